// Package config loads the relay configuration.
//
// Values are resolved in layers: built-in defaults, then each file added with
// AddLayer (JSON, or YAML when the extension is .yaml or .yml), then
// EVENTRELAY_* environment variables. Secrets are normally supplied through
// the environment:
//
//	EVENTRELAY_CONSUMER_KEY, EVENTRELAY_CONSUMER_SECRET
//	EVENTRELAY_ACCESS_TOKEN, EVENTRELAY_ACCESS_SECRET
//	EVENTRELAY_REDIS_PASSWORD, EVENTRELAY_NATS_TOKEN
//
// A minimal YAML file:
//
//	plugins: [printer, media]
//	plugin_config:
//	  media:
//	    root: /var/lib/eventrelay/media
//	queue:
//	  backend: redis
//	  redis:
//	    addr: redis:6379
//
// Watcher reports file changes so long-running binaries can reload plugins
// without restarting.
package config
