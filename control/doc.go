// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection layer of the
// syncpulse server.
//
// Provides:
//   - Config loading from defaults, YAML, .env and SYNCPULSE_* variables
//   - zap logger construction with a runtime-adjustable level
//   - Prometheus metrics that double as the live counters in snapshots
//   - An ops HTTP endpoint serving /metrics, /healthz and /debug/probes
package control
