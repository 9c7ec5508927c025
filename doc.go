// Package eventrelay relays account activity from a long-lived streaming
// API, or from account activity webhooks, to a set of hot-reloadable
// plugins.
//
// # Architecture
//
// Two intake paths feed the same plugin layer:
//
//	┌──────────────┐                      ┌──────────────────┐
//	│   Upstream   │  newline-delimited   │ eventrelay       │
//	│   stream     │ ───── JSON ────────▶ │ (daemon)         │
//	└──────────────┘                      └────────┬─────────┘
//	                                               │ classify
//	                                               ↓
//	┌──────────────┐   signed POST        ┌──────────────────┐
//	│   Webhook    │ ───────────────────▶ │ eventrelay-      │
//	│   sender     │ ◀── CRC answer ───── │ webhook          │
//	└──────────────┘                      └────────┬─────────┘
//	                                               │ append
//	                                               ↓
//	                                      ┌──────────────────┐
//	                                      │ durable queue    │  memory, sqlite,
//	                                      │ (consumer groups)│  redis, jetstream
//	                                      └────────┬─────────┘
//	                                               │ read group
//	                                               ↓
//	                                      ┌──────────────────┐
//	                                      │ eventrelay-      │
//	                                      │ consumer         │
//	                                      └────────┬─────────┘
//	                                               ↓
//	                                      ┌──────────────────┐
//	                                      │ dispatch         │  printer, media,
//	                                      │ → plugins        │  forward
//	                                      └──────────────────┘
//
// # Packages
//
//   - message: JSON documents, categorization and line classification
//   - stream: upstream connections over OAuth1 HTTP or WebSocket
//   - daemon: the reconnecting read loop and serialized plugin reloads
//   - plugin, dispatch: provider registry and per-category delivery
//   - plugins/...: the built-in printer, media and forward plugins
//   - webhook: CRC responses, signature checks and queue intake
//   - queue: the durable queue contract, its backends and the consumer loop
//   - config: layered configuration, file watching and reload triggers
//   - metric, health: Prometheus metrics and the /health endpoint
//
// # Reload
//
// SIGUSR1, SIGHUP or an edit to the config file rebuilds the plugin set.
// The upstream connection and the queue are never reopened by a reload.
package eventrelay
