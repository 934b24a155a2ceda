// Package stream implements the filtered-stream session layer: the transport
// and session capabilities, the record boundary, and the supervisor that
// keeps one connection per credential alive and routes matched records to
// crawler sinks.
package stream
