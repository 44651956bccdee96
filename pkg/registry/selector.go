package registry

import (
	"fmt"
	"strings"

	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
)

// Rand is the random source used to break ties between eligible
// validators. Injected so selection is deterministic under test.
type Rand interface {
	Intn(n int) int
}

type criteriaKind int

const (
	kindAny criteriaKind = iota
	kindName
	kindLocation
)

// Criteria narrows the eligible validator set for one request. Exactly
// one of the three variants is active.
type Criteria struct {
	kind  criteriaKind
	value string
}

// ByName selects the single validator with the given name.
func ByName(name string) Criteria {
	return Criteria{kind: kindName, value: name}
}

// ByLocation selects at random among validators in the given location.
func ByLocation(location string) Criteria {
	return Criteria{kind: kindLocation, value: location}
}

// Any selects at random across the whole fleet.
func Any() Criteria {
	return Criteria{}
}

// CriteriaFor derives the selection criteria from the server and
// location query parameters. A non-empty server wins over location:
// the name is the more specific constraint.
func CriteriaFor(server, location string) Criteria {
	if s := strings.TrimSpace(server); s != "" {
		return ByName(s)
	}
	if l := strings.TrimSpace(location); l != "" {
		return ByLocation(l)
	}
	return Any()
}

// String renders the criteria for logs and error bodies.
func (c Criteria) String() string {
	switch c.kind {
	case kindName:
		return "server=" + c.value
	case kindLocation:
		return "location=" + c.value
	default:
		return "any"
	}
}

// Select picks one validator from the snapshot according to the
// criteria. Matching is case-insensitive exact. Validators confirmed
// unhealthy are excluded; unknown ones are eligible. When several
// validators remain, one is drawn uniformly at random with an
// independent draw per call.
func Select(snap *Snapshot, c Criteria, rng Rand) (models.Validator, error) {
	switch c.kind {
	case kindName:
		rec, ok := snap.lookup(c.value)
		if !ok {
			return models.Validator{}, fmt.Errorf("validator %q: %w", c.value, ErrNotFound)
		}
		if !rec.Eligible() {
			return models.Validator{}, fmt.Errorf("validator %q is unhealthy: %w", c.value, ErrUnavailable)
		}
		return rec.Validator, nil

	case kindLocation:
		indexes, ok := snap.byLocation[normalizeKey(c.value)]
		if !ok || len(indexes) == 0 {
			return models.Validator{}, fmt.Errorf("location %q: %w", c.value, ErrNotFound)
		}

		eligible := make([]int, 0, len(indexes))
		for _, idx := range indexes {
			if snap.records[idx].Eligible() {
				eligible = append(eligible, idx)
			}
		}
		if len(eligible) == 0 {
			return models.Validator{}, fmt.Errorf("location %q has no healthy validator: %w", c.value, ErrUnavailable)
		}
		return snap.records[pick(eligible, rng)].Validator, nil

	default:
		eligible := make([]int, 0, len(snap.records))
		for idx := range snap.records {
			if snap.records[idx].Eligible() {
				eligible = append(eligible, idx)
			}
		}
		if len(eligible) == 0 {
			return models.Validator{}, fmt.Errorf("fleet has no healthy validator: %w", ErrUnavailable)
		}
		return snap.records[pick(eligible, rng)].Validator, nil
	}
}

func pick(indexes []int, rng Rand) int {
	if len(indexes) == 1 {
		return indexes[0]
	}
	return indexes[rng.Intn(len(indexes))]
}
