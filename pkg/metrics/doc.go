/*
Package metrics defines the Prometheus metrics of the control plane.

All metrics are registered with the default registry at init and exposed by
Handler on /metrics. Names carry the scanplane_ prefix.

Counters and histograms are updated inline by the components that own the
event (dispatch, ingestion, heartbeat sweeps, reconciliation). Inventory
gauges are refreshed by a Collector that reads the store on a fixed interval:

	collector := metrics.NewCollector(store, sessions)
	collector.Start()
	defer collector.Stop()

Timer wraps a start time for histogram observations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)
*/
package metrics
