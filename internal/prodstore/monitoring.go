package prodstore

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// ObservationTimeFormat is a local-wall-clock timestamp with no zone suffix.
// Lexicographic order of this format equals chronological order, which the
// descending re-sort relies on.
const ObservationTimeFormat = "2006-01-02T15:04:05"

const DefaultMonitoringCapacity = 100

var observationTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}$`)

// Observation is one timestamped monitoring snapshot.
type Observation struct {
	Timestamp string             `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// ValidateObservation checks the observation shape before any disk IO.
func ValidateObservation(obs Observation) error {
	if !observationTimePattern.MatchString(obs.Timestamp) {
		return fmt.Errorf("%w: timestamp %q does not match %s", ErrValidation, obs.Timestamp, ObservationTimeFormat)
	}
	if len(obs.Metrics) == 0 {
		return fmt.Errorf("%w: observation has no metrics", ErrValidation)
	}
	return nil
}

type MonitoringLogOptions struct {
	Capacity int
	Clock    func() time.Time
	Location *time.Location
}

// MonitoringLog is an append-only, newest-first, size-bounded list of
// observations per entity, persisted as a JSON array in the entity directory.
//
// Same-process appends are serialized by a mutex; concurrent writers in other
// processes are last-write-wins, which the single-collector-per-entity
// deployment model accepts.
type MonitoringLog struct {
	store    *Store
	capacity int
	clock    func() time.Time
	loc      *time.Location
	mu       sync.Mutex
}

func NewMonitoringLog(store *Store) *MonitoringLog {
	return NewMonitoringLogWithOptions(store, MonitoringLogOptions{})
}

func NewMonitoringLogWithOptions(store *Store, opts MonitoringLogOptions) *MonitoringLog {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultMonitoringCapacity
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &MonitoringLog{
		store:    store,
		capacity: capacity,
		clock:    clock,
		loc:      loc,
	}
}

// Read returns the stored observations, newest first. A missing file or
// content that is not a JSON array reads as empty; readers self-heal on the
// next write.
func (l *MonitoringLog) Read(id string) ([]Observation, error) {
	path, err := l.store.entityFile(id, monitoringFileName)
	if err != nil {
		return nil, err
	}
	var observations []Observation
	if err := l.store.readJSON(path, &observations); err != nil {
		return []Observation{}, nil
	}
	if observations == nil {
		observations = []Observation{}
	}
	return observations, nil
}

func (l *MonitoringLog) Append(id string, obs Observation) error {
	return l.AppendBatch(id, []Observation{obs})
}

// AppendBatch validates every observation, then performs one
// read-sort-truncate-write cycle. The on-disk array is sorted descending by
// timestamp and holds at most the capacity after any successful return.
func (l *MonitoringLog) AppendBatch(id string, observations []Observation) error {
	if len(observations) == 0 {
		return fmt.Errorf("%w: no observations", ErrValidation)
	}
	for _, obs := range observations {
		if err := ValidateObservation(obs); err != nil {
			return err
		}
	}
	if err := ValidateEntityID(id); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.Read(id)
	if err != nil {
		return err
	}
	existing = append(existing, observations...)
	return l.write(id, existing)
}

// ReplayLatest clones the newest observation under a fresh timestamp and
// prepends it. This is the carry-forward policy for synthetic refreshes when
// no new scrape occurred; it is not interpolation.
func (l *MonitoringLog) ReplayLatest(id string) (Observation, error) {
	if err := ValidateEntityID(id); err != nil {
		return Observation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.Read(id)
	if err != nil {
		return Observation{}, err
	}
	if len(existing) == 0 {
		return Observation{}, ErrNotFound
	}
	clone := Observation{
		Timestamp: l.clock().In(l.loc).Format(ObservationTimeFormat),
		Metrics:   make(map[string]float64, len(existing[0].Metrics)),
	}
	for name, value := range existing[0].Metrics {
		clone.Metrics[name] = value
	}
	existing = append([]Observation{clone}, existing...)
	if err := l.write(id, existing); err != nil {
		return Observation{}, err
	}
	return clone, nil
}

func (l *MonitoringLog) write(id string, observations []Observation) error {
	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].Timestamp > observations[j].Timestamp
	})
	if len(observations) > l.capacity {
		observations = observations[:l.capacity]
	}
	if _, err := l.store.EnsureDir(id); err != nil {
		return err
	}
	path, err := l.store.entityFile(id, monitoringFileName)
	if err != nil {
		return err
	}
	return l.store.writeJSON(path, observations)
}
