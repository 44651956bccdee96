package models

import (
	"net/url"
	"time"
)

// HealthState describes the liveness of a validator as seen by the
// background checker.
type HealthState string

const (
	// HealthUnknown means the validator has not been probed yet. Unknown
	// validators stay in rotation so a fresh registry is immediately usable.
	HealthUnknown HealthState = "unknown"

	// HealthHealthy means the most recent probe succeeded.
	HealthHealthy HealthState = "healthy"

	// HealthUnhealthy means the failure threshold was reached. Unhealthy
	// validators are kept in the registry but excluded from selection.
	HealthUnhealthy HealthState = "unhealthy"
)

// Validator is one backend RPC node.
type Validator struct {
	Name     string   `json:"name"`
	Location string   `json:"location"`
	Protocol string   `json:"protocol"`
	Endpoint *url.URL `json:"-"`
}

// HostHeader returns the Host header value to present to the backend,
// including a non-default port when the endpoint carries one.
func (v Validator) HostHeader() string {
	return v.Endpoint.Host
}

// Summary returns the public view of a validator exposed on /validators.
func (v Validator) Summary() ValidatorSummary {
	return ValidatorSummary{
		Name:     v.Name,
		Location: v.Location,
		Protocol: v.Protocol,
	}
}

// ValidatorSummary is the wire shape of one /validators entry.
type ValidatorSummary struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Protocol string `json:"protocol"`
}

// ValidatorStatus is the full operational view of one validator: the
// record plus the health fields maintained by the checker.
type ValidatorStatus struct {
	Validator
	Health      HealthState `json:"health"`
	LastChecked time.Time   `json:"last_checked"`
	LastError   string      `json:"last_error,omitempty"`
	Latency     int64       `json:"latency_ms"`
	ConsecFails int         `json:"consecutive_failures"`
}

// Eligible reports whether the validator may receive traffic. Only a
// confirmed-unhealthy validator is excluded; unknown is optimistic.
func (s ValidatorStatus) Eligible() bool {
	return s.Health != HealthUnhealthy
}
