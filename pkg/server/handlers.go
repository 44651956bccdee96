package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/BastienGimbert/TheSolanaApi/pkg/log"
	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
	"github.com/BastienGimbert/TheSolanaApi/pkg/proxy"
	"github.com/BastienGimbert/TheSolanaApi/pkg/registry"
)

type validatorsResponse struct {
	Validators []models.ValidatorSummary `json:"validators"`
}

type indexResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage"`
	Health      string `json:"health"`
	Validators  string `json:"validators"`
	Example     string `json:"example"`
}

// healthHandler answers the process liveness probe. It touches nothing
// but the response writer.
func (s *Server) healthHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// validatorsHandler lists every registered validator in registry order,
// healthy or not. Health state is not part of the payload.
func (s *Server) validatorsHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, validatorsResponse{
		Validators: s.reg.Snapshot().Summaries(),
	})
}

func (s *Server) indexHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, indexResponse{
		Name:        "TheSolanaApi",
		Description: "Provides a single, stable access point to a fleet of Solana validators. The API accepts standard Solana JSON-RPC requests and routes them to an available validator based on your selection criteria.",
		Usage:       "POST /?server=<name>, /?location=<region>, or / for a random validator with a Solana JSON-RPC body. See /validators for options.",
		Health:      "/health",
		Validators:  "/validators",
		Example:     `curl -X POST 'http://localhost:8080/?server=frankfurt-1' -H 'Content-Type: application/json' -d '{"jsonrpc":"2.0","id":1,"method":"getVersion","params":[]}'`,
	})
}

// proxyHandler is the forwarding path: parse criteria, select a healthy
// validator, forward the body verbatim, relay the response verbatim.
func (s *Server) proxyHandler(ctx echo.Context) error {
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(nil, ctx.Request().Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.met.ObserveRequest("body_too_large", time.Since(start))
			return ctx.JSON(http.StatusRequestEntityTooLarge, map[string]string{
				"error": "request body too large",
			})
		}
		s.met.ObserveRequest("bad_request", time.Since(start))
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body: " + err.Error(),
		})
	}

	// region is an accepted alias for location.
	location := ctx.QueryParam("location")
	if strings.TrimSpace(location) == "" {
		location = ctx.QueryParam("region")
	}

	criteria := registry.CriteriaFor(ctx.QueryParam("server"), location)

	selected, err := registry.Select(s.reg.Snapshot(), criteria, s.rng)
	if err != nil {
		return s.selectionError(ctx, criteria, err, start)
	}

	log.Debug().
		Str("validator", selected.Name).
		Str("location", selected.Location).
		Str("criteria", criteria.String()).
		Msg("Forwarding json-rpc request")

	result, err := s.fwd.Forward(ctx.Request().Context(), selected, ctx.Request().Header, ctx.Request().URL.Path, body)
	if err != nil {
		return s.forwardError(ctx, selected, err, start)
	}

	s.met.MarkForwarded(selected.Name)
	s.met.ObserveRequest("relayed", time.Since(start))

	header := ctx.Response().Header()
	for key, values := range result.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}

	contentType := result.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}

	return ctx.Blob(result.StatusCode, contentType, result.Body)
}

func (s *Server) selectionError(ctx echo.Context, criteria registry.Criteria, err error, start time.Time) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.met.ObserveRequest("not_found", time.Since(start))
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})

	case errors.Is(err, registry.ErrUnavailable):
		log.Error().
			Str("criteria", criteria.String()).
			Msg("No healthy validator for request")
		s.met.ObserveRequest("unavailable", time.Since(start))
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})

	default:
		s.met.ObserveRequest("error", time.Since(start))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) forwardError(ctx echo.Context, selected models.Validator, err error, start time.Time) error {
	var fwdErr *proxy.Error
	if !errors.As(err, &fwdErr) {
		s.met.ObserveRequest("error", time.Since(start))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	status := http.StatusBadGateway
	result := "bad_gateway"

	switch fwdErr.Kind {
	case proxy.KindTimeout:
		status = http.StatusGatewayTimeout
		result = "timeout"
	case proxy.KindBodyTooLarge:
		status = http.StatusRequestEntityTooLarge
		result = "body_too_large"
	}

	// Transport failures feed the health tracker so a misbehaving
	// validator leaves rotation faster than the probe cycle alone.
	if s.observer != nil && fwdErr.Kind != proxy.KindBodyTooLarge {
		s.observer.ObserveForwardFailure(selected.Name, err)
	}

	log.Warn().
		Str("validator", selected.Name).
		Str("kind", fwdErr.Kind.String()).
		Err(err).
		Msg("Forward failed")

	s.met.ObserveRequest(result, time.Since(start))
	return ctx.JSON(status, map[string]string{"error": fwdErr.Error()})
}
