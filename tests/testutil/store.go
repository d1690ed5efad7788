package testutil

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/nhle/attachment-archiver/internal/blobstore"
	"github.com/nhle/attachment-archiver/internal/index"
	"github.com/nhle/attachment-archiver/internal/model"
)

// NewTestIndex creates an in-memory Index with all migrations applied.
// It automatically closes the index when the test completes.
func NewTestIndex(t *testing.T) *index.Index {
	t.Helper()

	ix, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("creating test index: %v", err)
	}

	t.Cleanup(func() {
		if err := ix.Close(); err != nil {
			t.Errorf("closing test index: %v", err)
		}
	})

	return ix
}

// NewTestBlobStore creates a blob store rooted in a per-test temp dir.
func NewTestBlobStore(t *testing.T) *blobstore.Store {
	t.Helper()

	s, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("creating test blob store: %v", err)
	}
	return s
}

// Meta builds a MessageMeta for tests with a fixed, deterministic
// received time.
func Meta(mailbox, folder string, uid uint32, sender, subject string) model.MessageMeta {
	return model.MessageMeta{
		Identity: model.MessageIdentity{Mailbox: mailbox, Folder: folder, UID: uid},
		Sender:   sender,
		Subject:  subject,
		ReceivedAt: time.Date(
			2024, time.July, 15, 10, 0, 0, 0, time.UTC,
		).Add(time.Duration(uid) * time.Minute),
	}
}

// RawMessage assembles a multipart RFC 822 message with the given
// attachments, keyed by filename. Attachment bodies are sent as
// quoted-printable-free 7bit text, which keeps the fixtures readable.
func RawMessage(from, subject string, attachments map[string]string) []byte {
	var b strings.Builder
	boundary := "testboundary42"

	fmt.Fprintf(&b, "From: %s\r\n", from)
	b.WriteString("To: archive@example.com\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Date: Mon, 15 Jul 2024 10:00:00 +0000\r\n")
	b.WriteString("Message-ID: <test@example.com>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%s\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Disposition: inline\r\n")
	b.WriteString("\r\n")
	b.WriteString("See attached.\r\n")

	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: application/octet-stream\r\n")
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n", name)
		b.WriteString("\r\n")
		b.WriteString(attachments[name])
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}
