// Package engine is the composition root for the persistence subsystem.
// It opens the durable medium, wires the storage adapter, progress cache,
// change tracker, and session manager to one shared emitter and metrics
// handle, and owns their shutdown order.
package engine
