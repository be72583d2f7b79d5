// Package queue defines the job queue feeding the scheduler's worker pool.
// The abstraction keeps the scheduler independent of the queue backing
// (in-memory channel today, a broker later).
package queue

import (
	"context"
)

// Item carries one crawl job through the queue. Workers look the job up
// by ID; the target ID rides along so logs can name the site without a
// store round-trip.
type Item struct {
	JobID    string
	TargetID string
}

// Queue is a bounded FIFO of pending crawl jobs.
type Queue interface {
	// Enqueue pushes a job, blocking while the queue is full until the
	// context ends.
	Enqueue(ctx context.Context, item Item) error

	// Dequeue pops the next job, blocking while the queue is empty until
	// the context ends.
	Dequeue(ctx context.Context) (Item, error)

	// Close shuts the queue down; subsequent Dequeue calls fail.
	Close()
}
