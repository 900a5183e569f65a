package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopwatch/prodstore/internal/prodstore"
)

// Collection is one pass over a single entity: the fresh record plus
// whatever the source observed alongside it.
type Collection struct {
	EntityID     string
	Record       json.RawMessage
	RawPayload   json.RawMessage
	Manifest     *prodstore.Manifest
	Observations []prodstore.Observation
}

// Source produces collections. Implementations decide where the data
// comes from (scraped pages, exported files, upstream APIs).
type Source interface {
	Collect(ctx context.Context) ([]Collection, error)
}

type RunnerOptions struct {
	Interval       time.Duration
	IntervalJitter time.Duration
	Logger         *slog.Logger
}

// Runner drives a Source against a prodstore server: persist the
// record, download new media, merge the manifest.
type Runner struct {
	client *Client
	source Source
	opts   RunnerOptions
	rand   *rand.Rand
}

func NewRunner(client *Client, source Source, opts RunnerOptions) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		client: client,
		source: source,
		opts:   opts,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunOnce performs a single pass. Per-entity failures are logged and do
// not abort the remaining entities.
func (r *Runner) RunOnce(ctx context.Context) error {
	collections, err := r.source.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	var firstErr error
	for _, c := range collections {
		if err := r.processOne(ctx, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.opts.Logger.Error("entity pass failed", "entity_id", c.EntityID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Runner) processOne(ctx context.Context, c Collection) error {
	var observations json.RawMessage
	if len(c.Observations) > 0 {
		encoded, err := json.Marshal(c.Observations)
		if err != nil {
			return err
		}
		observations = encoded
	}
	if err := r.client.PersistEntity(ctx, c.EntityID, PersistRequest{
		Record:       c.Record,
		RawPayload:   c.RawPayload,
		Manifest:     c.Manifest,
		Observations: observations,
	}); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if c.Manifest == nil {
		return nil
	}

	delta, err := r.client.Diff(ctx, c.EntityID)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	var results []prodstore.DownloadResult
	if len(delta.NewItems) > 0 {
		fetched, err := r.client.Fetch(ctx, c.EntityID, delta.NewItems)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		results = fetched.Results
	}
	merged, err := r.client.Merge(ctx, c.EntityID, results)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	r.opts.Logger.Info("entity pass complete",
		"entity_id", c.EntityID,
		"new_media", len(delta.NewItems),
		"downloaded", len(results),
		"manifest_total", merged.TotalCount)
	return nil
}

// Run loops RunOnce on a jittered interval until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.opts.Logger.Error("pass failed", "error", err)
		}
		wait := r.opts.Interval
		if r.opts.IntervalJitter > 0 {
			wait += time.Duration(r.rand.Int63n(int64(r.opts.IntervalJitter)))
		}
		if err := waitWithContext(ctx, wait); err != nil {
			return err
		}
	}
}
