package bootstrap

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"pacgen/internal/artifacts"
	"pacgen/internal/config"
	"pacgen/internal/database"
	"pacgen/internal/distribution"
	"pacgen/internal/geolite"
	"pacgen/internal/pipeline"
	"pacgen/internal/registry"
	"pacgen/internal/support"
)

// Services is everything a run mode needs, built from the current config.
type Services struct {
	Pipeline       *pipeline.Pipeline
	Store          artifacts.Store
	Country        string
	Proxy          string
	HistoryEnabled bool

	// Set only when distribution is enabled and redis is reachable.
	Distributor *distribution.Distributor
	RedisClient *redis.Client

	closers []func() error
}

// Setup reads the settings and wires the pipeline with its optional sinks.
// Optional sinks that fail to start are logged and left out.
func Setup() (*Services, error) {
	if err := config.ReadSettings(); err != nil {
		return nil, err
	}
	return FromConfig(config.GetConfig())
}

func FromConfig(cfg config.Config) (*Services, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	client, err := registry.NewHTTPClient(config.FetchTimeout(cfg), cfg.Registry.UpstreamProxy)
	if err != nil {
		return nil, err
	}

	store := artifacts.Store{
		RecordFile: cfg.Registry.RecordFile,
		PACFile:    cfg.PAC.OutputFile,
		ETagFile:   cfg.Registry.ETagFile,
	}

	svc := &Services{
		Store:   store,
		Country: cfg.Registry.Country,
		Proxy:   cfg.PAC.Proxy,
		Pipeline: &pipeline.Pipeline{
			Store: store,
			Source: &registry.Fetcher{
				URL:       cfg.Registry.URL,
				UserAgent: cfg.Registry.UserAgent,
				Client:    client,
			},
			Country: cfg.Registry.Country,
			Proxy:   cfg.PAC.Proxy,
		},
	}

	if cfg.History.Enabled {
		if _, err := database.SetupDB(); err != nil {
			log.Error("Generation history disabled", "error", err)
		} else {
			svc.HistoryEnabled = true
			svc.Pipeline.History = database.RunRecorder{}
			svc.closers = append(svc.closers, database.Close)
		}
	}

	if cfg.Distribution.Enabled {
		redisClient, err := support.GetRedisClient()
		if err != nil {
			log.Error("Redis distribution disabled", "error", err)
		} else {
			svc.RedisClient = redisClient
			svc.Distributor = distribution.New(redisClient, store)
			svc.Pipeline.Publisher = svc.Distributor
			svc.closers = append(svc.closers, support.CloseRedisClient)
		}
	}

	if cfg.GeoLite.CountryDB != "" {
		auditor, err := geolite.Open(cfg.GeoLite.CountryDB, cfg.GeoLite.AuditSample)
		if err != nil {
			log.Error("GeoLite audit disabled", "error", err)
		} else {
			svc.Pipeline.Auditor = auditor
			svc.closers = append(svc.closers, auditor.Close)
		}
	}

	return svc, nil
}

// Close releases every resource Setup opened.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("bootstrap: close services: %w", err)
	}
	return nil
}
