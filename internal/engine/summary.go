package engine

import (
	"sync"
	"time"
)

// Summary aggregates what a run did. Failed counts messages that were
// attempted and will be retried next run; messages never attempted
// (error limit, cancellation) appear only as Listed minus the rest.
type Summary struct {
	Listed      int
	Archived    int
	Skipped     int
	Failed      int
	Deleted     int
	Attachments int
	BlobBytes   int64
	DedupHits   int
	Duration    time.Duration
	LastError   error
}

// LogAttrs renders the summary as slog key-value pairs.
func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"archived", s.Archived,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"deleted", s.Deleted,
		"attachments", s.Attachments,
		"blobBytes", s.BlobBytes,
		"dedupHits", s.DedupHits,
		"duration", s.Duration,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// collector gathers per-attachment counters from the worker goroutines.
// Message outcome counts are derived from the outcome slice after the
// pool drains, so only the byte counters need locking.
type collector struct {
	mu          sync.Mutex
	attachments int
	blobBytes   int64
	dedupHits   int
	lastError   error
}

func (c *collector) attachment(bytes int64, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachments++
	if existed {
		c.dedupHits++
	} else {
		c.blobBytes += bytes
	}
}

func (c *collector) errored(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err
}

func (c *collector) fill(s *Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Attachments = c.attachments
	s.BlobBytes = c.blobBytes
	s.DedupHits = c.dedupHits
	s.LastError = c.lastError
}
