// Package metrics exposes relay counters in Prometheus format.
//
// Each Collector owns a private registry, served by Handler at metrics.path
// when metrics.enabled is set. Methods on a nil *Collector do nothing, so
// components take an optional collector without branching.
//
// Metric names (namespace "lookout"):
//
//	lookout_connections_total{transport}
//	lookout_registered_connections{role}
//	lookout_messages_total{type,outcome}
//	lookout_deliveries_dropped_total{role}
//	lookout_outage_alerts_total{result}
//	lookout_agent_alerts_total{result}
//	lookout_presence_sweep_duration_seconds
//	lookout_store_writes_total{op,result}
package metrics
