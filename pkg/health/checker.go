package health

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/BastienGimbert/TheSolanaApi/pkg/log"
	"github.com/BastienGimbert/TheSolanaApi/pkg/metrics"
	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
	"github.com/BastienGimbert/TheSolanaApi/pkg/registry"
)

// probePayload is the cheapest JSON-RPC call a validator answers. Any
// HTTP response at all counts as alive; the reply body is discarded.
const probePayload = `{"jsonrpc":"2.0","id":1,"method":"getVersion"}`

// Checker periodically probes every registered validator and maintains
// its health state through the registry. Probes run concurrently, one
// goroutine per validator per cycle, and never block request serving.
type Checker struct {
	reg           *registry.Registry
	met           *metrics.Metrics
	client        *http.Client
	interval      time.Duration
	timeout       time.Duration
	failThreshold int
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewChecker creates a checker. met may be nil.
func NewChecker(reg *registry.Registry, met *metrics.Metrics, interval, timeout time.Duration, failThreshold int) *Checker {
	return &Checker{
		reg:           reg,
		met:           met,
		client:        &http.Client{Timeout: timeout},
		interval:      interval,
		timeout:       timeout,
		failThreshold: failThreshold,
		stopCh:        make(chan struct{}),
	}
}

// Start performs one synchronous sweep so the fleet is assessed before
// traffic arrives, then probes on the configured interval in the
// background.
func (c *Checker) Start() {
	c.checkAll()

	c.wg.Add(1)
	go c.loop()

	log.Info().
		Int("validators", c.reg.Snapshot().Len()).
		Dur("interval", c.interval).
		Msg("Health checker started")
}

// Stop halts the probe loop and waits for in-flight probes to finish.
func (c *Checker) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	log.Info().Msg("Health checker stopped")
}

// ObserveForwardFailure feeds a hot-path transport failure into the same
// hysteresis as a failed probe, so a misbehaving validator drops out of
// rotation before the next sweep completes the threshold.
func (c *Checker) ObserveForwardFailure(name string, err error) {
	c.met.MarkProbeFailure(name)
	c.applyFailure(name, err)
}

func (c *Checker) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkAll()
		}
	}
}

// checkAll probes every validator in the current snapshot concurrently.
func (c *Checker) checkAll() {
	statuses := c.reg.Statuses()

	var sweep sync.WaitGroup
	for _, status := range statuses {
		sweep.Add(1)
		go func(v models.Validator) {
			defer sweep.Done()
			c.probe(v)
		}(status.Validator)
	}
	sweep.Wait()

	c.met.SetValidatorStates(c.reg.Statuses())
}

func (c *Checker) probe(v models.Validator) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	err := c.doProbe(ctx, v)
	latency := time.Since(start)

	if err != nil {
		c.met.MarkProbeFailure(v.Name)
		c.applyFailure(v.Name, err)
		return
	}

	c.reg.UpdateStatus(v.Name, func(s *models.ValidatorStatus) {
		wasDown := s.Health == models.HealthUnhealthy

		s.Health = models.HealthHealthy
		s.ConsecFails = 0
		s.LastError = ""
		s.LastChecked = time.Now()
		s.Latency = latency.Milliseconds()

		if wasDown {
			log.Info().
				Str("validator", v.Name).
				Int64("latency_ms", s.Latency).
				Msg("Validator back in rotation")
		}
	})
}

// applyFailure increments the failure counter and flips the validator to
// unhealthy once the threshold of consecutive failures is reached. A
// single transient failure never removes a validator from rotation.
func (c *Checker) applyFailure(name string, err error) {
	c.reg.UpdateStatus(name, func(s *models.ValidatorStatus) {
		s.ConsecFails++
		s.LastError = err.Error()
		s.LastChecked = time.Now()

		if s.ConsecFails >= c.failThreshold && s.Health != models.HealthUnhealthy {
			s.Health = models.HealthUnhealthy
			log.Warn().
				Str("validator", name).
				Int("consecutive_failures", s.ConsecFails).
				Err(err).
				Msg("Validator removed from rotation")
		}
	})
}

// doProbe issues the liveness call. Any HTTP response means the
// validator is reachable, JSON-RPC level errors included; only transport
// failures count against it.
func (c *Checker) doProbe(ctx context.Context, v models.Validator) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint.String(), bytes.NewBufferString(probePayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Host = v.HostHeader()

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("validator", v.Name).Msg("Failed to close probe response body")
		}
	}()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}
