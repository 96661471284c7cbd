/*
Package metrics exposes am's own metrics on a private Prometheus registry:
scans, artifact fetches, the engine state and the explorer HTTP traffic.
A nil *Metrics is valid and records nothing, so components can be used
without wiring metrics in.
*/
package metrics
