// Package sinks implements concrete event consumers such as Prometheus,
// downstream publishers, and structured logging. Each sink satisfies the
// events.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
