package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
)

const (
	defaultProtocol = "http"
	defaultRPCPort  = "8899"
)

// BuildValidators converts the configured entries into validator records.
// Missing names are generated from the location, missing schemes from the
// protocol, and endpoints without an explicit port get the standard
// Solana RPC port.
func (c *Config) BuildValidators() ([]models.Validator, error) {
	validators := make([]models.Validator, 0, len(c.Validators))

	for i, entry := range c.Validators {
		v, err := entry.build(i + 1)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i+1, err)
		}
		validators = append(validators, v)
	}

	return validators, nil
}

func (e ValidatorEntry) build(ordinal int) (models.Validator, error) {
	location := strings.TrimSpace(e.Location)
	if location == "" {
		location = "unspecified"
	}

	protocol := strings.ToLower(strings.TrimSpace(e.Protocol))
	if protocol == "" {
		protocol = defaultProtocol
	}
	if protocol != "http" && protocol != "https" {
		return models.Validator{}, fmt.Errorf("unsupported protocol %q", protocol)
	}

	raw := strings.TrimSpace(e.Endpoint)
	if raw == "" {
		return models.Validator{}, fmt.Errorf("missing endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = protocol + "://" + raw
	}

	endpoint, err := url.Parse(raw)
	if err != nil {
		return models.Validator{}, fmt.Errorf("invalid endpoint %q: %w", e.Endpoint, err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return models.Validator{}, fmt.Errorf("unsupported endpoint scheme %q", endpoint.Scheme)
	}
	if endpoint.Hostname() == "" {
		return models.Validator{}, fmt.Errorf("endpoint %q is missing a host", e.Endpoint)
	}
	if endpoint.Port() == "" {
		endpoint.Host = endpoint.Hostname() + ":" + defaultRPCPort
	}

	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = generateName(location, ordinal)
	}

	return models.Validator{
		Name:     name,
		Location: location,
		Protocol: endpoint.Scheme,
		Endpoint: endpoint,
	}, nil
}

// generateName builds a stable name like "frankfurt-3" for entries that
// omit one.
func generateName(location string, ordinal int) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(location) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fmt.Sprintf("validator-%d", ordinal)
	}
	return fmt.Sprintf("%s-%d", slug, ordinal)
}
