// Package monitor ties the registry, credential pool, stream supervisor, and
// sinks together into the crawler lifecycle operations: track, follow, pause,
// resume, delete, and the operator views. All state changes go through here;
// the packages underneath never call each other.
package monitor
