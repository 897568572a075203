// Package progress carries resolution milestones from processors to sinks.
// Emitters never block: events are buffered on a channel, batched by a
// background goroutine and handed to each sink in turn.
package progress
