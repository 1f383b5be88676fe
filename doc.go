// Package opcgw bridges a ChirpStack 4 LoRaWAN network server and
// industrial SCADA clients. The gateway polls per-device telemetry over
// the ChirpStack gRPC API, caches the last-known value of every configured
// (device, metric) pair, and serves that cache as a hierarchical OPC UA
// address space (Applications → Devices → Metrics).
//
// # Architecture
//
// Two long-lived tasks run for the process lifetime:
//
//	┌──────────────┐   gRPC    ┌────────────┐
//	│  ChirpStack  │ ◄───────► │   poller   │
//	└──────────────┘           └─────┬──────┘
//	                                 │ last-known values + health
//	                           ┌─────▼──────┐
//	                           │   store    │
//	                           └─────▲──────┘
//	                                 │ reads / client writes
//	┌──────────────┐  opc.tcp  ┌─────┴──────┐
//	│ SCADA client │ ◄───────► │  opcserver │
//	└──────────────┘           └────────────┘
//
// The store is the only shared mutable state. The poller owns the
// upstream connection; the OPC UA engine owns its listeners and sessions.
// A failed poll never clears a cached value: clients always see the
// last-known value, with a degraded status while the upstream is
// unreachable.
//
// Configuration is loaded once at startup (config package) and treated as
// immutable. The OPC UA protocol engine is configured by a separate
// document so deployments can change security policies and PKI material
// without touching the topology.
package opcgw
