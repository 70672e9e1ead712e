package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"pacgen/internal/addresstable"
	"pacgen/internal/app/bootstrap"
	"pacgen/internal/app/server"
	"pacgen/internal/config"
	"pacgen/internal/decision"
	"pacgen/internal/distribution"
	"pacgen/internal/jobs/runtime"
	"pacgen/internal/pipeline"
	"pacgen/internal/support"
)

const (
	defaultServerPort = 8086
	checkConcurrency  = 8
)

type options struct {
	force      bool
	serve      bool
	production bool
	port       int
	check      string
}

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}

	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	config.SetProductionMode(opts.production)
	if config.InProductionMode {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	svc, err := bootstrap.Setup()
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("error closing services", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.check != "":
		return runCheck(ctx, os.Stdout, svc.Pipeline, svc.Proxy, splitHosts(opts.check), nil)
	case opts.serve:
		return runServer(ctx, svc, opts.port)
	default:
		_, err := svc.Pipeline.Run(ctx, pipeline.Options{Reason: "cli", Force: opts.force})
		return err
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var opts options
	fs.BoolVar(&opts.force, "force", false, "Download the registry record even if it is unchanged")
	fs.BoolVar(&opts.serve, "serve", false, "Serve the script over HTTP and regenerate it on a schedule")
	fs.BoolVar(&opts.production, "production", false, "Run in production mode")
	fs.IntVar(&opts.port, "port", 0, "Port for the HTTP server, overrides server.port and PACGEN_PORT")
	fs.StringVar(&opts.check, "check", "", "Comma separated hosts to classify against the cached table")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.serve && opts.check != "" {
		return opts, errors.New("app: -serve and -check cannot be combined")
	}
	return opts, nil
}

func runServer(ctx context.Context, svc *bootstrap.Services, port int) error {
	if port == 0 {
		port = config.GetConfig().Server.Port
	}
	if port == 0 {
		port = defaultServerPort
	}

	go runtime.StartPACRefreshRoutine(ctx, svc.Pipeline)
	if svc.Distributor != nil && svc.RedisClient != nil {
		go distribution.Subscribe(ctx, svc.RedisClient, svc.Distributor, svc.Country)
	}

	return server.OpenRoutes(ctx, port, &server.Handler{
		Store:          svc.Store,
		Refresher:      svc.Pipeline,
		Country:        svc.Country,
		HistoryEnabled: svc.HistoryEnabled,
		AdminToken:     support.GetEnv("PACGEN_ADMIN_TOKEN", ""),
	})
}

// tableLoader is satisfied by *pipeline.Pipeline.
type tableLoader interface {
	LoadTable() (*addresstable.Table, error)
}

func runCheck(ctx context.Context, out io.Writer, loader tableLoader, proxy string, hosts []string, resolver decision.Resolver) error {
	if len(hosts) == 0 {
		return errors.New("app: -check needs at least one host")
	}

	table, err := loader.LoadTable()
	if err != nil {
		return fmt.Errorf("app: load cached table (run pacgen once first): %w", err)
	}
	classifier := decision.NewClassifier(table, proxy, resolver)

	decisions := make([]decision.Decision, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	for i, host := range hosts {
		g.Go(func() error {
			d, err := classifier.Classify(gctx, host)
			if err != nil {
				return fmt.Errorf("classify %s: %w", host, err)
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, host := range hosts {
		if _, err := fmt.Fprintf(out, "%s\t%s\n", host, decisions[i]); err != nil {
			return err
		}
	}
	return nil
}

func splitHosts(raw string) []string {
	var hosts []string
	for _, part := range strings.Split(raw, ",") {
		if host := strings.TrimSpace(part); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}
