/*
Package config loads event contract settings from YAML or JSON files.

Config wraps a map[string]any with typed accessors that fall back to a
default when a key is missing or has the wrong type. Nested values are
reached with a dotted key or with Section:

	cfg, err := config.FromFile("eventcontract.yaml")
	lease := cfg.Duration("ledger.lease", 5*time.Minute)
	ledgerCfg := cfg.Section("ledger")

Settings is the typed form used to wire a registry, ledger and pipeline:

	settings, err := config.LoadSettings("eventcontract.yaml")
	if err != nil {
	    return err
	}
	l, err := ledger.Open(ctx, settings.Ledger.Driver, settings.Ledger.DSN(),
	    settings.Ledger.Options(settings.Pipeline.Consumer)...)

A file may reference environment variables as ${NAME}; they are expanded
before parsing.

	schemas:
	  dir: ./schemas
	  namespace: example.com
	pipeline:
	  consumer: orders-worker
	  max_attempts: 5
	  commit_retries: 3
	ledger:
	  driver: redis
	  redis_url: ${REDIS_URL}
	  lease: 5m
	  retention: 168h

Durations accept Go duration strings or a number of seconds.
*/
package config
