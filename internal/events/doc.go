// Package events provides the event primitives, non-blocking hub, and emitter
// interfaces that the monitor and stream supervisor use to report crawler
// lifecycle and session activity. It batches events on a background goroutine
// and fans them out to pluggable sinks such as Prometheus metrics or a
// downstream publisher.
package events
