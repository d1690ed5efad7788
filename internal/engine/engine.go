package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/attachment-archiver/internal/blobstore"
	"github.com/nhle/attachment-archiver/internal/cleanup"
	"github.com/nhle/attachment-archiver/internal/extract"
	"github.com/nhle/attachment-archiver/internal/index"
	"github.com/nhle/attachment-archiver/internal/mailbox"
	"github.com/nhle/attachment-archiver/internal/model"
)

// State names the phase a run is in.
type State string

const (
	StateIdle       State = "idle"
	StateListing    State = "listing"
	StateProcessing State = "processing"
	StateCursoring  State = "cursoring"
	StateCleanup    State = "cleanup"
	StateDone       State = "done"
	StateError      State = "error"
)

// Outcome is the per-message result of the processing phase.
type Outcome string

const (
	// OutcomeNone marks a message that was listed but never attempted.
	OutcomeNone Outcome = ""

	OutcomeArchived Outcome = "archived"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// ErrRunInProgress is returned when a run targets a mailbox folder that
// already has one running.
var ErrRunInProgress = errors.New("a run is already in progress for this folder")

// Run describes one engine invocation.
type Run struct {
	ID        string
	Mailbox   string
	Folder    string
	State     State
	StartedAt time.Time
	Summary   Summary
	Err       error
}

// Options bound a run. Zero values disable the respective limit except
// Workers, which New normalizes to at least one.
type Options struct {
	Workers            int
	MaxMessages        int
	MaxErrors          int
	RunTimeout         time.Duration
	DeleteAfterArchive bool
}

// Engine drives archive runs: list new messages after the cursor,
// process them through extraction and storage, advance the cursor, and
// optionally clean up the mailbox.
type Engine struct {
	src     mailbox.Source
	idx     *index.Index
	blobs   *blobstore.Store
	sweeper *cleanup.Coordinator
	opts    Options
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// New wires an engine. A nil logger falls back to slog.Default.
func New(
	src mailbox.Source,
	idx *index.Index,
	blobs *blobstore.Store,
	sweeper *cleanup.Coordinator,
	opts Options,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{
		src:     src,
		idx:     idx,
		blobs:   blobs,
		sweeper: sweeper,
		opts:    opts,
		log:     log,
		active:  make(map[string]bool),
	}
}

// acquire takes the advisory run lock for a folder.
func (e *Engine) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[key] {
		return false
	}
	e.active[key] = true
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, key)
}

func (e *Engine) setState(run *Run, s State) {
	run.State = s
	e.log.Debug("run state changed", "run", run.ID, "state", string(s))
}

// ProcessNew archives every new message in folder since the stored
// cursor. It returns the finished run record; the returned error is the
// run-fatal error, if any, also carried on the record.
func (e *Engine) ProcessNew(ctx context.Context, folder string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Mailbox:   e.src.Name(),
		Folder:    folder,
		State:     StateIdle,
		StartedAt: time.Now().UTC(),
	}

	key := run.Mailbox + "/" + folder
	if !e.acquire(key) {
		run.State = StateError
		run.Err = ErrRunInProgress
		return run, ErrRunInProgress
	}
	defer e.release(key)

	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}

	e.log.Info("run started",
		"run", run.ID, "mailbox", run.Mailbox, "folder", folder)

	err := e.processNew(ctx, run, folder)
	run.Summary.Duration = time.Since(run.StartedAt)

	if err != nil {
		run.Err = err
		e.setState(run, StateError)
		e.log.Error("run failed",
			append([]any{"run", run.ID, "error", err}, run.Summary.LogAttrs()...)...)
		return run, err
	}

	e.setState(run, StateDone)
	e.log.Info("run finished",
		append([]any{"run", run.ID}, run.Summary.LogAttrs()...)...)
	return run, nil
}

func (e *Engine) processNew(ctx context.Context, run *Run, folder string) error {
	e.setState(run, StateListing)

	watermark, _, err := e.idx.Cursor(ctx, run.Mailbox, folder)
	if err != nil {
		return fmt.Errorf("reading cursor: %w", err)
	}

	ids, err := e.src.ListAfter(ctx, folder, watermark, e.opts.MaxMessages)
	if err != nil {
		return fmt.Errorf("listing new messages: %w", err)
	}
	run.Summary.Listed = len(ids)

	e.log.Info("listed new messages",
		"run", run.ID, "count", len(ids), "watermark", watermark)

	outcomes := make([]Outcome, len(ids))
	stats := &collector{}

	if len(ids) > 0 {
		e.setState(run, StateProcessing)
		if err := e.processAll(ctx, ids, outcomes, stats); err != nil {
			e.fillSummary(run, outcomes, stats)
			return err
		}
	}
	e.fillSummary(run, outcomes, stats)

	e.setState(run, StateCursoring)
	next := nextWatermark(watermark, ids, outcomes)
	if next > watermark {
		if err := e.idx.AdvanceCursor(ctx, run.Mailbox, folder, next); err != nil {
			return fmt.Errorf("advancing cursor: %w", err)
		}
		e.log.Info("cursor advanced",
			"run", run.ID, "from", watermark, "to", next)
	}

	if e.opts.DeleteAfterArchive {
		e.setState(run, StateCleanup)
		deleted, err := e.sweeper.Sweep(ctx, e.src, run.Mailbox, folder)
		run.Summary.Deleted = deleted
		if err != nil {
			return fmt.Errorf("cleaning up mailbox: %w", err)
		}
	}

	return nil
}

// processAll runs the worker pool over the listed messages. Per-message
// failures are recorded in outcomes; only run-fatal errors are returned.
func (e *Engine) processAll(
	ctx context.Context,
	ids []model.MessageIdentity,
	outcomes []Outcome,
	stats *collector,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	var failures atomic.Int32

	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		if e.opts.MaxErrors > 0 && int(failures.Load()) >= e.opts.MaxErrors {
			e.log.Warn("error limit reached, stopping early",
				"limit", e.opts.MaxErrors)
			break
		}

		g.Go(func() error {
			outcome, err := e.processOne(gctx, id, stats)
			outcomes[i] = outcome
			if outcome == OutcomeFailed {
				failures.Add(1)
			}
			return err
		})
	}

	return g.Wait()
}

// processOne takes a single message through fetch, extract, store, and
// commit. The returned error is non-nil only for run-fatal conditions;
// everything else is folded into the outcome.
func (e *Engine) processOne(
	ctx context.Context, id model.MessageIdentity, stats *collector,
) (Outcome, error) {
	// A message the cursor never passed may already be recorded from an
	// earlier partial run; its archive state is final.
	status, known, err := e.idx.MessageStatus(ctx, id)
	if err != nil {
		if canceled(err) {
			return OutcomeNone, nil
		}
		return OutcomeFailed, fmt.Errorf("checking status of %s: %w", id.Key(), err)
	}
	if known {
		e.log.Debug("message already recorded",
			"message", id.Key(), "status", status)
		if status == model.StatusArchived {
			return OutcomeArchived, nil
		}
		return OutcomeSkipped, nil
	}

	raw, err := e.src.Fetch(ctx, id)
	if err != nil {
		switch {
		case canceled(err):
			return OutcomeNone, nil
		case mailbox.IsAuthError(err):
			return OutcomeFailed, err
		default:
			e.log.Error("fetch failed", "message", id.Key(), "error", err)
			stats.errored(err)
			return OutcomeFailed, nil
		}
	}

	parsedMeta, payloads, err := extract.Parse(raw.Body)
	if err != nil {
		// Malformed messages never parse better on a retry; record the
		// skip so the cursor can move past them.
		e.log.Warn("skipping malformed message", "message", id.Key(), "error", err)
		meta := mergeMeta(raw.Meta, parsedMeta)
		if err := e.idx.MarkSkipped(ctx, meta); err != nil {
			return e.failedOrFatal(id, err, stats)
		}
		return OutcomeSkipped, nil
	}

	meta := mergeMeta(raw.Meta, parsedMeta)

	if len(payloads) == 0 {
		e.log.Debug("no attachments", "message", id.Key())
		if err := e.idx.MarkSkipped(ctx, meta); err != nil {
			return e.failedOrFatal(id, err, stats)
		}
		return OutcomeSkipped, nil
	}

	attachments, blobs, err := e.storePayloads(meta, payloads, stats)
	if err != nil {
		e.log.Error("storing attachments failed", "message", id.Key(), "error", err)
		stats.errored(err)
		return OutcomeFailed, nil
	}

	if err := e.idx.Commit(ctx, meta, attachments, blobs); err != nil {
		return e.failedOrFatal(id, err, stats)
	}

	e.log.Info("archived message",
		"message", id.Key(), "attachments", len(attachments), "sender", meta.Sender)
	return OutcomeArchived, nil
}

// storePayloads writes every attachment's content to the blob store and
// links it into the browse tree.
func (e *Engine) storePayloads(
	meta model.MessageMeta,
	payloads []model.AttachmentPayload,
	stats *collector,
) ([]model.AttachmentRecord, []model.Blob, error) {
	attachments := make([]model.AttachmentRecord, 0, len(payloads))
	blobs := make([]model.Blob, 0, len(payloads))
	seen := make(map[string]bool)

	for _, p := range payloads {
		hash, existed, path, err := e.blobs.Put(p.Data)
		if err != nil {
			return nil, nil, err
		}

		rel, err := e.blobs.Link(hash, meta, p.Filename, p.MIMEType)
		if err != nil {
			return nil, nil, err
		}

		stats.attachment(int64(len(p.Data)), existed)

		attachments = append(attachments, model.AttachmentRecord{
			ID:          uuid.New().String(),
			Message:     meta.Identity,
			Filename:    p.Filename,
			MIMEType:    p.MIMEType,
			Size:        int64(len(p.Data)),
			ContentHash: hash,
			ArchivePath: rel,
		})

		if !seen[hash] {
			seen[hash] = true
			blobs = append(blobs, model.Blob{
				ContentHash: hash,
				Size:        int64(len(p.Data)),
				StoragePath: path,
			})
		}
	}

	return attachments, blobs, nil
}

// failedOrFatal classifies an index write failure: transient ones fail
// the message, the rest end the run.
func (e *Engine) failedOrFatal(
	id model.MessageIdentity, err error, stats *collector,
) (Outcome, error) {
	if canceled(err) {
		return OutcomeNone, nil
	}
	if index.IsTransientWrite(err) {
		e.log.Error("index write failed", "message", id.Key(), "error", err)
		stats.errored(err)
		return OutcomeFailed, nil
	}
	return OutcomeFailed, fmt.Errorf("recording %s: %w", id.Key(), err)
}

func (e *Engine) fillSummary(run *Run, outcomes []Outcome, stats *collector) {
	for _, o := range outcomes {
		switch o {
		case OutcomeArchived:
			run.Summary.Archived++
		case OutcomeSkipped:
			run.Summary.Skipped++
		case OutcomeFailed:
			run.Summary.Failed++
		}
	}
	stats.fill(&run.Summary)
}

// Cleanup deletes every verified archived message in folder, outside a
// processing run but under the same lock.
func (e *Engine) Cleanup(ctx context.Context, folder string) (int, error) {
	key := e.src.Name() + "/" + folder
	if !e.acquire(key) {
		return 0, ErrRunInProgress
	}
	defer e.release(key)

	return e.sweeper.Sweep(ctx, e.src, e.src.Name(), folder)
}

// nextWatermark returns the highest UID every message up to which,
// inclusive, ended archived or skipped. It never passes a failed or
// unattempted message, so those are listed again next run.
func nextWatermark(
	start uint32, ids []model.MessageIdentity, outcomes []Outcome,
) uint32 {
	w := start
	for i, id := range ids {
		if outcomes[i] != OutcomeArchived && outcomes[i] != OutcomeSkipped {
			break
		}
		w = id.UID
	}
	return w
}

// mergeMeta prefers the server envelope and fills gaps from the parsed
// headers. The subject placeholder and a final timestamp fallback are
// applied here so every stored record is complete.
func mergeMeta(envelope, parsed model.MessageMeta) model.MessageMeta {
	m := envelope
	if m.Subject == "" {
		m.Subject = parsed.Subject
	}
	if m.Sender == "" {
		m.Sender = parsed.Sender
	}
	if m.SenderName == "" {
		m.SenderName = parsed.SenderName
	}
	if m.MessageID == "" {
		m.MessageID = parsed.MessageID
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = parsed.ReceivedAt
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}

	m.Subject = extract.NormalizeSubject(m.Subject)
	return m
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
