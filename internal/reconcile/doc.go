// Package reconcile brings the local mirror back in line with the hub.
//
// Each Job pages through the twins of one device family, upserts the
// mirror rows that changed and finally removes rows whose twin no longer
// exists. Removal only happens after a complete scan: an interrupted scan
// has not seen every twin, so absence proves nothing.
//
// The Scheduler runs the jobs on an interval and on demand. Results are
// logged, recorded as time series points and published as sync.completed
// events.
package reconcile
