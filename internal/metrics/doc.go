// Package metrics exposes Prometheus counters for a tlvserver.Server by
// decorating its Observer and error hook.
package metrics
