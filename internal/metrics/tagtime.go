package metrics

import "time"

// Indexer holds the metrics of a "tagtime watch" process.
type Indexer struct {
	registry *Registry

	ImportsTotal      *Counter
	ImportsUnchanged  *Counter
	ImportErrorsTotal *Counter
	PingsIndexedTotal *Counter
	WatchErrorsTotal  *Counter
	ConfigReloads     *Counter

	WatchedLogs         *Gauge
	LastImportTimestamp *Gauge

	ImportDuration *Histogram
}

// NewIndexer registers the indexer metrics in r.
func NewIndexer(r *Registry) *Indexer {
	return &Indexer{
		registry: r,

		ImportsTotal:      r.Counter("imports_total", "Logs indexed after a change", nil),
		ImportsUnchanged:  r.Counter("imports_unchanged_total", "Change events whose digest matched the last import", nil),
		ImportErrorsTotal: r.Counter("import_errors_total", "Logs that failed to index", nil),
		PingsIndexedTotal: r.Counter("pings_indexed_total", "Pings written to the index", nil),
		WatchErrorsTotal:  r.Counter("watch_errors_total", "Errors reported by the file watcher", nil),
		ConfigReloads:     r.Counter("config_reloads_total", "Successful configuration reloads", nil),

		WatchedLogs:         r.Gauge("watched_logs", "Log paths being watched", nil),
		LastImportTimestamp: r.Gauge("last_import_timestamp_seconds", "Unix time of the last successful import", nil),

		ImportDuration: r.Histogram("import_duration_seconds", "Time to parse and index one log", nil, DurationBuckets),
	}
}

// Registry returns the registry the metrics were registered in.
func (m *Indexer) Registry() *Registry {
	return m.registry
}

// ObserveImport records one finished import.
func (m *Indexer) ObserveImport(indexed bool, pings int, d time.Duration, at time.Time) {
	if !indexed {
		m.ImportsUnchanged.Inc()
		return
	}
	m.ImportsTotal.Inc()
	m.PingsIndexedTotal.Add(uint64(pings))
	m.ImportDuration.ObserveDuration(d)
	m.LastImportTimestamp.Set(at.Unix())
}
