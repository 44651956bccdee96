package main

import (
	"flag"

	"github.com/BastienGimbert/TheSolanaApi/pkg/config"
	"github.com/BastienGimbert/TheSolanaApi/pkg/health"
	"github.com/BastienGimbert/TheSolanaApi/pkg/log"
	"github.com/BastienGimbert/TheSolanaApi/pkg/metrics"
	"github.com/BastienGimbert/TheSolanaApi/pkg/proxy"
	"github.com/BastienGimbert/TheSolanaApi/pkg/registry"
	"github.com/BastienGimbert/TheSolanaApi/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config.yaml or /etc/solproxy/config.yaml)")
	listen := flag.String("listen", "", "Listen address, overrides the config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	validators, err := cfg.BuildValidators()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid validator configuration")
	}

	reg, err := registry.New(validators)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build validator registry")
	}

	addr := cfg.Listen
	if *listen != "" {
		addr = *listen
	}

	log.Info().
		Str("listen", addr).
		Int("validators", len(validators)).
		Dur("health_interval", cfg.Health.Interval).
		Dur("forward_timeout", cfg.Forward.Timeout).
		Str("max_body_size", cfg.Forward.MaxBodySize).
		Msg("Configured proxy")

	met := metrics.New("solproxy")

	checker := health.NewChecker(reg, met, cfg.Health.Interval, cfg.Health.Timeout, cfg.Health.FailThreshold)
	checker.Start()
	defer checker.Stop()

	// Hot reload: a config file edit replaces the fleet atomically. A bad
	// edit is rejected as a whole and the running fleet stays untouched.
	loader.Watch(func(next *config.Config) {
		nextValidators, buildErr := next.BuildValidators()
		if buildErr != nil {
			log.Error().Err(buildErr).Msg("Rejecting reload, invalid validator configuration")
			return
		}
		if reloadErr := reg.Reload(nextValidators); reloadErr != nil {
			log.Error().Err(reloadErr).Msg("Rejecting reload")
		}
	})

	fwd := proxy.NewForwarder(cfg.Forward.Timeout, cfg.MaxBodyBytes(), cfg.Forward.RetryTransport)

	srv := server.NewServer(reg, fwd, checker, met, cfg.MaxBodyBytes(), cfg.ShutdownTimeout)
	if err := srv.Start(addr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
