package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nhle/attachment-archiver/internal/blobstore"
	"github.com/nhle/attachment-archiver/internal/cleanup"
	"github.com/nhle/attachment-archiver/internal/index"
	"github.com/nhle/attachment-archiver/internal/mailbox"
	"github.com/nhle/attachment-archiver/internal/model"
	"github.com/nhle/attachment-archiver/tests/testutil"
)

func newTestEngine(
	t *testing.T, src mailbox.Source, opts Options,
) (*Engine, *index.Index, *blobstore.Store) {
	t.Helper()

	ix := testutil.NewTestIndex(t)
	blobs := testutil.NewTestBlobStore(t)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := cleanup.New(ix, blobs, quiet)
	return New(src, ix, blobs, sweeper, opts, quiet), ix, blobs
}

// addMessage puts a well-formed multipart message into the source and
// returns its envelope metadata.
func addMessage(
	src *mailbox.MemorySource, folder string, uid uint32, files map[string]string,
) model.MessageMeta {
	sender := fmt.Sprintf("sender%d@example.com", uid)
	subject := fmt.Sprintf("message %d", uid)
	meta := testutil.Meta(src.Name(), folder, uid, sender, subject)
	src.Add(meta, testutil.RawMessage(sender, subject, files))
	return meta
}

func cursorAt(t *testing.T, ix *index.Index, mbox, folder string) uint32 {
	t.Helper()

	w, _, err := ix.Cursor(context.Background(), mbox, folder)
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	return w
}

func statusOf(t *testing.T, ix *index.Index, id model.MessageIdentity) (string, bool) {
	t.Helper()

	status, known, err := ix.MessageStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("MessageStatus(%s) error = %v", id.Key(), err)
	}
	return status, known
}

func countBlobFiles(t *testing.T, blobs *blobstore.Store) int {
	t.Helper()

	count := 0
	root := filepath.Join(blobs.Root(), "blobs")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking %s: %v", root, err)
	}
	return count
}

func TestEngine_ProcessNew_ArchivesNewMessages(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	addMessage(src, "INBOX", 1, map[string]string{"report.pdf": "pdf bytes"})
	addMessage(src, "INBOX", 2, map[string]string{"photo.jpg": "jpg bytes"})
	meta3 := addMessage(src, "INBOX", 3, map[string]string{"notes.txt": "text bytes"})

	e, ix, blobs := newTestEngine(t, src, Options{Workers: 2})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}
	if run.State != StateDone {
		t.Errorf("state = %s, want %s", run.State, StateDone)
	}

	s := run.Summary
	if s.Listed != 3 || s.Archived != 3 || s.Skipped != 0 || s.Failed != 0 {
		t.Errorf("summary = %+v", s)
	}
	if s.Attachments != 3 {
		t.Errorf("attachments = %d, want 3", s.Attachments)
	}

	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 3 {
		t.Errorf("cursor = %d, want 3", w)
	}

	status, known := statusOf(t, ix, meta3.Identity)
	if !known || status != model.StatusArchived {
		t.Errorf("uid 3 status = %s, %v", status, known)
	}

	// Every archived attachment is reachable through its browse path.
	attachments, err := ix.AttachmentsFor(context.Background(), meta3.Identity)
	if err != nil {
		t.Fatalf("AttachmentsFor() error = %v", err)
	}
	if len(attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(attachments))
	}
	linked := filepath.Join(blobs.Root(), filepath.FromSlash(attachments[0].ArchivePath))
	if _, err := os.Stat(linked); err != nil {
		t.Errorf("browse link missing: %v", err)
	}
}

func TestEngine_ProcessNew_SecondRunListsNothing(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	addMessage(src, "INBOX", 1, map[string]string{"a.pdf": "aaaa"})
	addMessage(src, "INBOX", 2, map[string]string{"b.pdf": "bbbb"})

	e, ix, blobs := newTestEngine(t, src, Options{})

	if _, err := e.ProcessNew(context.Background(), "INBOX"); err != nil {
		t.Fatalf("first ProcessNew() error = %v", err)
	}
	stored := countBlobFiles(t, blobs)

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("second ProcessNew() error = %v", err)
	}
	if run.Summary.Listed != 0 || run.Summary.Archived != 0 {
		t.Errorf("second run summary = %+v", run.Summary)
	}
	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 2 {
		t.Errorf("cursor = %d, want 2", w)
	}
	if got := countBlobFiles(t, blobs); got != stored {
		t.Errorf("blob count changed from %d to %d", stored, got)
	}
}

func TestEngine_ProcessNew_MalformedMessageSkipped(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	addMessage(src, "INBOX", 1, map[string]string{"a.pdf": "aaaa"})
	meta2 := testutil.Meta("a@x.com", "INBOX", 2, "broken@example.com", "garbled")
	src.Add(meta2, []byte("this is not a mail header\r\n\r\nbody\r\n"))
	addMessage(src, "INBOX", 3, map[string]string{"c.pdf": "cccc"})

	e, ix, _ := newTestEngine(t, src, Options{})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}

	s := run.Summary
	if s.Archived != 2 || s.Skipped != 1 || s.Failed != 0 {
		t.Errorf("summary = %+v", s)
	}

	// The skip is recorded, so the cursor passes the malformed message.
	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 3 {
		t.Errorf("cursor = %d, want 3", w)
	}
	status, known := statusOf(t, ix, meta2.Identity)
	if !known || status != model.StatusSkipped {
		t.Errorf("uid 2 status = %s, %v", status, known)
	}
}

func TestEngine_ProcessNew_NoAttachmentsSkipped(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	meta := addMessage(src, "INBOX", 1, nil)

	e, ix, _ := newTestEngine(t, src, Options{})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}
	if run.Summary.Skipped != 1 || run.Summary.Archived != 0 {
		t.Errorf("summary = %+v", run.Summary)
	}
	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 1 {
		t.Errorf("cursor = %d, want 1", w)
	}
	status, known := statusOf(t, ix, meta.Identity)
	if !known || status != model.StatusSkipped {
		t.Errorf("status = %s, %v", status, known)
	}
}

func TestEngine_ProcessNew_FetchFailureHoldsCursor(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	addMessage(src, "INBOX", 1, map[string]string{"a.pdf": "aaaa"})
	meta2 := addMessage(src, "INBOX", 2, map[string]string{"b.pdf": "bbbb"})
	addMessage(src, "INBOX", 3, map[string]string{"c.pdf": "cccc"})

	src.FetchErrs[meta2.Identity.Key()] = &mailbox.TransientError{
		Op: "fetch", Err: errors.New("connection reset"),
	}

	e, ix, _ := newTestEngine(t, src, Options{Workers: 1})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}
	if run.State != StateDone {
		t.Errorf("state = %s", run.State)
	}

	s := run.Summary
	if s.Archived != 2 || s.Failed != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.LastError == nil {
		t.Error("LastError not recorded")
	}

	// The cursor stops below the failed message so it is retried.
	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 1 {
		t.Fatalf("cursor = %d, want 1", w)
	}

	delete(src.FetchErrs, meta2.Identity.Key())

	run, err = e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("retry ProcessNew() error = %v", err)
	}
	// uid 3 was archived last run; its recorded state counts again
	// without re-storing anything.
	if run.Summary.Listed != 2 || run.Summary.Archived != 2 {
		t.Errorf("retry summary = %+v", run.Summary)
	}
	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 3 {
		t.Errorf("cursor after retry = %d, want 3", w)
	}
}

func TestEngine_ProcessNew_AuthErrorEndsRun(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	meta1 := addMessage(src, "INBOX", 1, map[string]string{"a.pdf": "aaaa"})
	meta2 := addMessage(src, "INBOX", 2, map[string]string{"b.pdf": "bbbb"})
	addMessage(src, "INBOX", 3, map[string]string{"c.pdf": "cccc"})

	src.FetchErrs[meta1.Identity.Key()] = &mailbox.AuthError{
		Mailbox: "a@x.com", Message: "login rejected",
	}

	e, ix, _ := newTestEngine(t, src, Options{Workers: 1})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err == nil {
		t.Fatal("ProcessNew() succeeded with failing credentials")
	}
	if !mailbox.IsAuthError(err) {
		t.Errorf("error = %v, want auth error", err)
	}
	if run.State != StateError || run.Err == nil {
		t.Errorf("run = %s, %v", run.State, run.Err)
	}

	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 0 {
		t.Errorf("cursor = %d, want 0", w)
	}
	if _, known := statusOf(t, ix, meta2.Identity); known {
		t.Error("later message was attempted after the fatal error")
	}
}

func TestEngine_ProcessNew_DeduplicatesAcrossMessages(t *testing.T) {
	content := "same bytes here"
	src := mailbox.NewMemorySource("a@x.com")
	meta1 := addMessage(src, "INBOX", 1, map[string]string{"dup.pdf": content})
	meta2 := addMessage(src, "INBOX", 2, map[string]string{"dup.pdf": content})

	e, ix, blobs := newTestEngine(t, src, Options{Workers: 1})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}

	s := run.Summary
	if s.Archived != 2 || s.Attachments != 2 {
		t.Errorf("summary = %+v", s)
	}
	if s.DedupHits != 1 {
		t.Errorf("dedupHits = %d, want 1", s.DedupHits)
	}
	if s.BlobBytes != int64(len(content)) {
		t.Errorf("blobBytes = %d, want %d", s.BlobBytes, len(content))
	}

	if got := countBlobFiles(t, blobs); got != 1 {
		t.Errorf("blob files = %d, want 1", got)
	}

	// Both messages index the same content hash.
	a1, err := ix.AttachmentsFor(context.Background(), meta1.Identity)
	if err != nil {
		t.Fatalf("AttachmentsFor(1) error = %v", err)
	}
	a2, err := ix.AttachmentsFor(context.Background(), meta2.Identity)
	if err != nil {
		t.Fatalf("AttachmentsFor(2) error = %v", err)
	}
	if len(a1) != 1 || len(a2) != 1 || a1[0].ContentHash != a2[0].ContentHash {
		t.Errorf("hashes = %+v / %+v", a1, a2)
	}
}

func TestEngine_ProcessNew_RefusesConcurrentRun(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	addMessage(src, "INBOX", 1, map[string]string{"a.pdf": "aaaa"})

	e, _, _ := newTestEngine(t, src, Options{})

	if !e.acquire("a@x.com/INBOX") {
		t.Fatal("acquire failed on idle engine")
	}

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("error = %v, want ErrRunInProgress", err)
	}
	if run.State != StateError {
		t.Errorf("state = %s", run.State)
	}

	if _, err := e.Cleanup(context.Background(), "INBOX"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Cleanup error = %v, want ErrRunInProgress", err)
	}

	// Other folders are not blocked.
	if _, err := e.ProcessNew(context.Background(), "Receipts"); err != nil {
		t.Errorf("run on other folder error = %v", err)
	}

	e.release("a@x.com/INBOX")
	if _, err := e.ProcessNew(context.Background(), "INBOX"); err != nil {
		t.Errorf("run after release error = %v", err)
	}
}

func TestEngine_ProcessNew_ErrorLimitStopsRun(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	var metas []model.MessageMeta
	for uid := uint32(1); uid <= 5; uid++ {
		meta := addMessage(src, "INBOX", uid, map[string]string{"f.pdf": "data"})
		metas = append(metas, meta)
		// Only the first three fail; a healthy message past the limit
		// would be archived, which the status checks below would catch.
		if uid <= 3 {
			src.FetchErrs[meta.Identity.Key()] = &mailbox.TransientError{
				Op: "fetch", Err: errors.New("connection reset"),
			}
		}
	}

	e, ix, _ := newTestEngine(t, src, Options{Workers: 1, MaxErrors: 2})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}
	if run.State != StateDone {
		t.Errorf("state = %s", run.State)
	}

	// The limit is checked before each submission, so a message already
	// submitted when it trips still runs; the rest are never attempted.
	s := run.Summary
	if s.Listed != 5 || s.Archived != 0 {
		t.Errorf("summary = %+v", s)
	}
	if s.Failed < 2 || s.Failed > 3 {
		t.Errorf("failed = %d, want 2 or 3", s.Failed)
	}

	if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != 0 {
		t.Errorf("cursor = %d, want 0", w)
	}
	for _, meta := range metas[3:] {
		if _, known := statusOf(t, ix, meta.Identity); known {
			t.Errorf("uid %d attempted past the error limit", meta.Identity.UID)
		}
	}
}

func TestEngine_ProcessNew_MaxMessagesBatches(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	for uid := uint32(1); uid <= 4; uid++ {
		addMessage(src, "INBOX", uid, map[string]string{"f.pdf": fmt.Sprintf("data%d", uid)})
	}

	e, ix, _ := newTestEngine(t, src, Options{MaxMessages: 2})

	for i, wantCursor := range []uint32{2, 4} {
		run, err := e.ProcessNew(context.Background(), "INBOX")
		if err != nil {
			t.Fatalf("run %d error = %v", i+1, err)
		}
		if run.Summary.Listed != 2 || run.Summary.Archived != 2 {
			t.Errorf("run %d summary = %+v", i+1, run.Summary)
		}
		if w := cursorAt(t, ix, "a@x.com", "INBOX"); w != wantCursor {
			t.Errorf("run %d cursor = %d, want %d", i+1, w, wantCursor)
		}
	}

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("final run error = %v", err)
	}
	if run.Summary.Listed != 0 {
		t.Errorf("final run listed %d", run.Summary.Listed)
	}
}

func TestEngine_ProcessNew_DeleteAfterArchive(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	addMessage(src, "INBOX", 1, map[string]string{"a.pdf": "aaaa"})
	addMessage(src, "INBOX", 2, map[string]string{"b.pdf": "bbbb"})

	e, ix, blobs := newTestEngine(t, src, Options{DeleteAfterArchive: true})

	run, err := e.ProcessNew(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}
	if run.State != StateDone {
		t.Errorf("state = %s", run.State)
	}
	if run.Summary.Archived != 2 || run.Summary.Deleted != 2 {
		t.Errorf("summary = %+v", run.Summary)
	}

	if uids := src.UIDs("INBOX"); len(uids) != 0 {
		t.Errorf("mailbox still holds %v", uids)
	}

	// Deletion removes only the mailbox copies.
	if got := countBlobFiles(t, blobs); got != 2 {
		t.Errorf("blob files = %d, want 2", got)
	}
	remaining, err := ix.MessagesInFolder(context.Background(), "a@x.com", "INBOX", model.StatusArchived)
	if err != nil {
		t.Fatalf("MessagesInFolder() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("messages not marked deleted: %+v", remaining)
	}
}

func TestEngine_Cleanup(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	addMessage(src, "INBOX", 1, map[string]string{"a.pdf": "aaaa"})
	addMessage(src, "INBOX", 2, map[string]string{"b.pdf": "bbbb"})

	e, _, _ := newTestEngine(t, src, Options{})

	if _, err := e.ProcessNew(context.Background(), "INBOX"); err != nil {
		t.Fatalf("ProcessNew() error = %v", err)
	}
	if uids := src.UIDs("INBOX"); len(uids) != 2 {
		t.Fatalf("mailbox = %v before cleanup", uids)
	}

	deleted, err := e.Cleanup(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if uids := src.UIDs("INBOX"); len(uids) != 0 {
		t.Errorf("mailbox still holds %v", uids)
	}
}

func TestNextWatermark(t *testing.T) {
	ids := func(uids ...uint32) []model.MessageIdentity {
		var out []model.MessageIdentity
		for _, uid := range uids {
			out = append(out, model.MessageIdentity{Mailbox: "a", Folder: "INBOX", UID: uid})
		}
		return out
	}

	cases := []struct {
		name     string
		start    uint32
		ids      []model.MessageIdentity
		outcomes []Outcome
		want     uint32
	}{
		{"all archived", 0, ids(1, 2, 3),
			[]Outcome{OutcomeArchived, OutcomeArchived, OutcomeArchived}, 3},
		{"skips count as done", 0, ids(1, 2, 3),
			[]Outcome{OutcomeArchived, OutcomeSkipped, OutcomeArchived}, 3},
		{"stops at failure", 0, ids(1, 2, 3),
			[]Outcome{OutcomeArchived, OutcomeFailed, OutcomeArchived}, 1},
		{"stops at unattempted", 0, ids(1, 2, 3),
			[]Outcome{OutcomeArchived, OutcomeNone, OutcomeArchived}, 1},
		{"first fails", 5, ids(6, 7),
			[]Outcome{OutcomeFailed, OutcomeArchived}, 5},
		{"no messages", 5, nil, nil, 5},
		{"sparse uids", 10, ids(12, 40, 41),
			[]Outcome{OutcomeArchived, OutcomeArchived, OutcomeFailed}, 40},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextWatermark(tc.start, tc.ids, tc.outcomes); got != tc.want {
				t.Errorf("nextWatermark() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMergeMeta(t *testing.T) {
	envelope := testutil.Meta("a@x.com", "INBOX", 1, "env@example.com", "envelope subject")
	parsed := model.MessageMeta{
		Sender: "parsed@example.com", SenderName: "Parsed Name",
		Subject: "parsed subject", MessageID: "<id@example.com>",
	}

	m := mergeMeta(envelope, parsed)
	if m.Sender != "env@example.com" || m.Subject != "envelope subject" {
		t.Errorf("envelope fields overridden: %+v", m)
	}
	if m.SenderName != "Parsed Name" || m.MessageID != "<id@example.com>" {
		t.Errorf("gaps not filled from parsed headers: %+v", m)
	}
	if m.Identity != envelope.Identity {
		t.Errorf("identity = %+v", m.Identity)
	}

	empty := mergeMeta(model.MessageMeta{}, model.MessageMeta{})
	if empty.Subject != "(no subject)" {
		t.Errorf("subject placeholder = %q", empty.Subject)
	}
	if empty.ReceivedAt.IsZero() {
		t.Error("ReceivedAt left zero")
	}
}
