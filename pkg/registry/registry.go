package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/BastienGimbert/TheSolanaApi/pkg/log"
	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
)

// Registry holds the validator fleet. The current generation is published
// through an atomic pointer so request paths read it without locking;
// writers (reload, health updates) are serialized by a mutex and always
// publish a fresh generation instead of mutating a visible one.
type Registry struct {
	mu  sync.Mutex
	gen atomic.Pointer[Snapshot]
}

// Snapshot is an immutable point-in-time view of the fleet, in registry
// order. Once obtained it never changes underneath the caller.
type Snapshot struct {
	// ID identifies the reload generation this snapshot descends from.
	ID string

	records    []models.ValidatorStatus
	byName     map[string]int
	byLocation map[string][]int
}

// New creates a registry from the initial validator set.
func New(validators []models.Validator) (*Registry, error) {
	snap, err := build(uuid.NewString(), validators)
	if err != nil {
		return nil, err
	}

	r := &Registry{}
	r.gen.Store(snap)
	return r, nil
}

// Snapshot returns the current generation. Never nil, never blocks.
func (r *Registry) Snapshot() *Snapshot {
	return r.gen.Load()
}

// Reload atomically replaces the fleet. Validation happens before
// anything is published: on error the previous generation stays active
// untouched. Health state carries over for validators whose name and
// endpoint are unchanged, so a reload does not reset hysteresis.
func (r *Registry) Reload(validators []models.Validator) error {
	snap, err := build(uuid.NewString(), validators)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.gen.Load()
	for i := range snap.records {
		rec := &snap.records[i]
		old, ok := prev.lookup(rec.Name)
		if ok && old.Endpoint.String() == rec.Endpoint.String() {
			rec.Health = old.Health
			rec.LastChecked = old.LastChecked
			rec.LastError = old.LastError
			rec.Latency = old.Latency
			rec.ConsecFails = old.ConsecFails
		}
	}

	r.gen.Store(snap)

	log.Info().
		Str("generation", snap.ID).
		Int("validators", len(snap.records)).
		Msg("Registry reloaded")

	return nil
}

// UpdateStatus applies update to the named validator's status and
// publishes the result as a new generation. It returns false when the
// validator is no longer registered, which happens when a reload raced
// the caller. Readers holding an older snapshot are unaffected.
func (r *Registry) UpdateStatus(name string, update func(*models.ValidatorStatus)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.gen.Load()
	idx, ok := cur.byName[normalizeKey(name)]
	if !ok {
		return false
	}

	records := make([]models.ValidatorStatus, len(cur.records))
	copy(records, cur.records)
	update(&records[idx])

	r.gen.Store(&Snapshot{
		ID:         cur.ID,
		records:    records,
		byName:     cur.byName,
		byLocation: cur.byLocation,
	})

	return true
}

// Statuses returns a copy of every validator's full status, in registry
// order.
func (r *Registry) Statuses() []models.ValidatorStatus {
	snap := r.gen.Load()
	out := make([]models.ValidatorStatus, len(snap.records))
	copy(out, snap.records)
	return out
}

// Len returns the number of registered validators.
func (s *Snapshot) Len() int {
	return len(s.records)
}

// Summaries returns the public /validators view, in registry order.
func (s *Snapshot) Summaries() []models.ValidatorSummary {
	out := make([]models.ValidatorSummary, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Summary()
	}
	return out
}

func (s *Snapshot) lookup(name string) (models.ValidatorStatus, bool) {
	idx, ok := s.byName[normalizeKey(name)]
	if !ok {
		return models.ValidatorStatus{}, false
	}
	return s.records[idx], true
}

func build(id string, validators []models.Validator) (*Snapshot, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("no validators configured")
	}

	snap := &Snapshot{
		ID:         id,
		records:    make([]models.ValidatorStatus, 0, len(validators)),
		byName:     make(map[string]int, len(validators)),
		byLocation: make(map[string][]int),
	}

	for i, v := range validators {
		if strings.TrimSpace(v.Name) == "" {
			return nil, fmt.Errorf("validator %d has an empty name", i+1)
		}
		if v.Endpoint == nil || v.Endpoint.Hostname() == "" {
			return nil, fmt.Errorf("validator %q has no endpoint", v.Name)
		}
		if v.Protocol != "http" && v.Protocol != "https" {
			return nil, fmt.Errorf("validator %q has unsupported protocol %q", v.Name, v.Protocol)
		}

		nameKey := normalizeKey(v.Name)
		if _, dup := snap.byName[nameKey]; dup {
			return nil, fmt.Errorf("duplicate validator name %q", v.Name)
		}

		snap.byName[nameKey] = i
		locKey := normalizeKey(v.Location)
		snap.byLocation[locKey] = append(snap.byLocation[locKey], i)

		snap.records = append(snap.records, models.ValidatorStatus{
			Validator: v,
			Health:    models.HealthUnknown,
		})
	}

	return snap, nil
}

// normalizeKey builds the case-insensitive lookup key used for both
// names and locations.
func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
