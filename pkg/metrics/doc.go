// Package metrics provides observe.Observer implementations: a
// prometheus-backed one for production counters and a zerolog-backed one
// for migration traces. Both can be chained so a table reports to several
// sinks at once.
package metrics
