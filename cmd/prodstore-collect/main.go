package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopwatch/prodstore/internal/collect"
	"github.com/shopwatch/prodstore/internal/prodstore"
)

func main() {
	baseURL := flag.String("base-url", "http://127.0.0.1:8080", "prodstore server base URL")
	entities := flag.String("entity", "", "comma-separated entity ids to collect (default: every *.json in the input dir)")
	input := flag.String("input", ".", "directory containing <entity-id>.json collection files")
	interval := flag.Duration("interval", 15*time.Minute, "delay between passes")
	intervalJitter := flag.Duration("interval-jitter", time.Minute, "random extra delay added to each pass")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request HTTP timeout")
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	client := collect.NewClient(*baseURL, &http.Client{Timeout: *timeout})
	source := &fileSource{dir: *input, entities: splitIDs(*entities)}
	runner := collect.NewRunner(client, source, collect.RunnerOptions{
		Interval:       *interval,
		IntervalJitter: *intervalJitter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if *once {
		err = runner.RunOnce(ctx)
	} else {
		err = runner.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("collect failed: %v", err)
	}
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// fileSource reads prepared collection payloads from disk, one JSON file
// per entity named <entity-id>.json.
type fileSource struct {
	dir      string
	entities []string
}

type collectionFile struct {
	Record       json.RawMessage         `json:"record"`
	RawPayload   json.RawMessage         `json:"rawPayload,omitempty"`
	Manifest     *prodstore.Manifest     `json:"manifest,omitempty"`
	Observations []prodstore.Observation `json:"observations,omitempty"`
}

func (s *fileSource) Collect(ctx context.Context) ([]collect.Collection, error) {
	ids := s.entities
	if len(ids) == 0 {
		var err error
		ids, err = s.discover()
		if err != nil {
			return nil, err
		}
	}
	var collections []collect.Collection
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
		if err != nil {
			return nil, fmt.Errorf("read collection for %s: %w", id, err)
		}
		var file collectionFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse collection for %s: %w", id, err)
		}
		collections = append(collections, collect.Collection{
			EntityID:     id,
			Record:       file.Record,
			RawPayload:   file.RawPayload,
			Manifest:     file.Manifest,
			Observations: file.Observations,
		})
	}
	return collections, nil
}

func (s *fileSource) discover() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		if prodstore.ValidateEntityID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
