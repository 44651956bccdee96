package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/BastienGimbert/TheSolanaApi/pkg/log"
)

// Watch re-reads the config file whenever it changes on disk and hands
// every valid new configuration to apply. An edit that fails to parse or
// validate is logged and ignored; the previous configuration stays
// active. Listen address and timeout changes still require a restart,
// only the validator fleet is meant to be hot-reloaded.
func (l *Loader) Watch(apply func(*Config)) {
	l.v.OnConfigChange(func(event fsnotify.Event) {
		cfg, err := l.unmarshal()
		if err != nil {
			log.Error().
				Err(err).
				Str("file", event.Name).
				Msg("Ignoring config change, previous config stays active")
			return
		}

		log.Info().
			Str("file", event.Name).
			Int("validators", len(cfg.Validators)).
			Msg("Config file changed")

		apply(cfg)
	})

	l.v.WatchConfig()
}
