// Package pipeline runs fetch -> parse -> derive -> build -> generate -> write.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"pacgen/internal/addresstable"
	"pacgen/internal/artifacts"
	"pacgen/internal/domain"
	"pacgen/internal/pac"
	"pacgen/internal/registry"
)

// ErrNotModifiedWithoutTag means the registry answered an unconditional
// request with 304, leaving nothing to build from.
var ErrNotModifiedWithoutTag = errors.New("pipeline: registry answered not modified to an unconditional request")

type Source interface {
	Fetch(ctx context.Context, etag string) (*registry.Result, error)
}

type HistoryRecorder interface {
	RecordRun(ctx context.Context, run domain.GenerationRun) error
}

type Publisher interface {
	PublishPAC(ctx context.Context, country string, script []byte) error
}

type Auditor interface {
	Audit(table *addresstable.Table, country string)
}

type Pipeline struct {
	Store   artifacts.Store
	Source  Source
	Country string
	Proxy   string

	// Optional sinks; nil disables them.
	History   HistoryRecorder
	Publisher Publisher
	Auditor   Auditor

	group singleflight.Group
}

type Options struct {
	Reason string

	// Force skips the cached entity tag and downloads unconditionally.
	Force bool
}

type Outcome struct {
	RunID       string
	ETag        string
	NotModified bool
	Records     int
	Entries     int
	Overwrites  int
	Script      []byte
	SHA256      string
}

// Run performs one generation. Concurrent callers with the same Force setting
// share a single execution; a forced run never settles for a conditional one.
// Artifacts are written only after the script was generated successfully, and
// the entity tag is written last so an interrupted run refetches next time.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Outcome, error) {
	key := "run"
	if opts.Force {
		key = "run:force"
	}
	result, err, shared := p.group.Do(key, func() (interface{}, error) {
		return p.run(ctx, opts)
	})
	if shared {
		log.Debug("Generation shared with concurrent run", "reason", opts.Reason)
	}
	if err != nil {
		return nil, err
	}
	return result.(*Outcome), nil
}

func (p *Pipeline) run(ctx context.Context, opts Options) (*Outcome, error) {
	started := time.Now().UTC()
	outcome := &Outcome{RunID: uuid.NewString()}

	err := p.generate(ctx, opts, outcome)
	p.recordHistory(ctx, opts, outcome, started, err)
	if err != nil {
		return nil, err
	}

	if p.Publisher != nil {
		if err := p.Publisher.PublishPAC(ctx, p.Country, outcome.Script); err != nil {
			log.Warn("Failed to publish PAC script", "error", err)
		}
	}

	log.Info("PAC generated",
		"reason", opts.Reason,
		"run", outcome.RunID,
		"country", p.Country,
		"records", outcome.Records,
		"entries", outcome.Entries,
		"overwrites", outcome.Overwrites,
		"not_modified", outcome.NotModified,
	)
	return outcome, nil
}

func (p *Pipeline) generate(ctx context.Context, opts Options, outcome *Outcome) error {
	etag := ""
	if !opts.Force {
		cached, err := p.Store.ReadETag()
		if err != nil {
			return err
		}
		etag = cached
	}

	fetched, err := p.Source.Fetch(ctx, etag)
	if err != nil {
		return err
	}
	outcome.ETag = fetched.ETag
	outcome.NotModified = fetched.NotModified

	var input io.Reader
	if fetched.NotModified {
		rc, err := p.Store.OpenRecord()
		switch {
		case errors.Is(err, artifacts.ErrNoRecord):
			// The tag outlived its record; download unconditionally.
			log.Warn("Registry unchanged but cached record is missing, downloading again")
			if fetched, err = p.Source.Fetch(ctx, ""); err != nil {
				return err
			}
			if fetched.NotModified || fetched.Body == nil {
				return ErrNotModifiedWithoutTag
			}
			outcome.ETag = fetched.ETag
			outcome.NotModified = fetched.NotModified
			input = bytes.NewReader(fetched.Body)
		case err != nil:
			return err
		default:
			defer rc.Close()
			input = rc
		}
	} else {
		input = bytes.NewReader(fetched.Body)
	}

	table, records, err := BuildTable(input, p.Country)
	outcome.Records = records
	if err != nil {
		return fmt.Errorf("pipeline: build address table: %w", err)
	}
	outcome.Entries = table.Len()
	outcome.Overwrites = table.Overwrites()

	script, err := pac.Generate(table, p.Proxy)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(script)
	outcome.Script = script
	outcome.SHA256 = hex.EncodeToString(sum[:])

	if p.Auditor != nil {
		p.Auditor.Audit(table, p.Country)
	}

	if !fetched.NotModified {
		if err := p.Store.WriteRecord(fetched.Body); err != nil {
			return err
		}
	}
	if err := p.Store.WritePAC(script); err != nil {
		return err
	}
	if !fetched.NotModified && fetched.ETag != "" {
		if err := p.Store.WriteETag(fetched.ETag); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) recordHistory(ctx context.Context, opts Options, outcome *Outcome, started time.Time, runErr error) {
	if p.History == nil {
		return
	}

	run := domain.GenerationRun{
		RunID:        outcome.RunID,
		Reason:       opts.Reason,
		Country:      p.Country,
		ETag:         outcome.ETag,
		NotModified:  outcome.NotModified,
		Records:      outcome.Records,
		Entries:      outcome.Entries,
		Overwrites:   outcome.Overwrites,
		ScriptSHA256: outcome.SHA256,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	if runErr != nil {
		run.Failed = true
		run.Error = runErr.Error()
	}

	// History must outlive a cancelled run context.
	histCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.History.RecordRun(histCtx, run); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Failed to record generation run", "run", outcome.RunID, "error", err)
	}
}

// LoadTable rebuilds the table from the cached registry copy without fetching.
func (p *Pipeline) LoadTable() (*addresstable.Table, error) {
	rc, err := p.Store.OpenRecord()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	table, _, err := BuildTable(rc, p.Country)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build address table: %w", err)
	}
	return table, nil
}
