package mailbox_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nhle/attachment-archiver/internal/mailbox"
	"github.com/nhle/attachment-archiver/tests/testutil"
)

func newSource(uids ...uint32) *mailbox.MemorySource {
	src := mailbox.NewMemorySource("a@x.com")
	for _, uid := range uids {
		meta := testutil.Meta("a@x.com", "INBOX", uid, "alice@example.com", "subject")
		src.Add(meta, []byte("body"))
	}
	return src
}

func uidsOf(t *testing.T, src *mailbox.MemorySource, watermark uint32, limit int) []uint32 {
	t.Helper()

	ids, err := src.ListAfter(context.Background(), "INBOX", watermark, limit)
	if err != nil {
		t.Fatalf("ListAfter(%d, %d) error = %v", watermark, limit, err)
	}
	var uids []uint32
	for _, id := range ids {
		uids = append(uids, id.UID)
	}
	return uids
}

func TestMemorySource_ListAfter(t *testing.T) {
	src := newSource(5, 1, 3, 2)

	cases := []struct {
		name      string
		watermark uint32
		limit     int
		want      []uint32
	}{
		{"from zero", 0, 0, []uint32{1, 2, 3, 5}},
		{"after watermark", 2, 0, []uint32{3, 5}},
		{"limited", 0, 2, []uint32{1, 2}},
		{"watermark in gap", 4, 0, []uint32{5}},
		{"past the end", 9, 0, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := uidsOf(t, src, tc.watermark, tc.limit)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMemorySource_Fetch(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	meta := testutil.Meta("a@x.com", "INBOX", 1, "alice@example.com", "subject")
	src.Add(meta, []byte("original"))

	raw, err := src.Fetch(context.Background(), meta.Identity)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(raw.Body) != "original" || raw.Meta.Subject != "subject" {
		t.Errorf("raw = %q / %+v", raw.Body, raw.Meta)
	}

	// The returned body is a copy; callers cannot corrupt the source.
	raw.Body[0] = 'X'
	again, err := src.Fetch(context.Background(), meta.Identity)
	if err != nil {
		t.Fatalf("refetch error = %v", err)
	}
	if string(again.Body) != "original" {
		t.Errorf("stored body mutated: %q", again.Body)
	}

	missing := testutil.Meta("a@x.com", "INBOX", 99, "", "").Identity
	if _, err := src.Fetch(context.Background(), missing); err == nil {
		t.Error("fetching an unknown message succeeded")
	}
}

func TestMemorySource_FetchErrs(t *testing.T) {
	src := mailbox.NewMemorySource("a@x.com")
	meta := testutil.Meta("a@x.com", "INBOX", 1, "alice@example.com", "subject")
	src.Add(meta, []byte("body"))

	injected := errors.New("boom")
	src.FetchErrs[meta.Identity.Key()] = injected

	if _, err := src.Fetch(context.Background(), meta.Identity); !errors.Is(err, injected) {
		t.Errorf("Fetch() error = %v, want injected error", err)
	}

	delete(src.FetchErrs, meta.Identity.Key())
	if _, err := src.Fetch(context.Background(), meta.Identity); err != nil {
		t.Errorf("Fetch() after clearing error = %v", err)
	}
}

func TestMemorySource_DeleteAndExpunge(t *testing.T) {
	src := newSource(1, 2, 3)
	ctx := context.Background()

	id := testutil.Meta("a@x.com", "INBOX", 2, "", "").Identity
	if err := src.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Marked messages vanish from listings but stay in the folder until
	// the expunge, as on a real server.
	if got := uidsOf(t, src, 0, 0); !reflect.DeepEqual(got, []uint32{1, 3}) {
		t.Errorf("listing after delete = %v", got)
	}
	if got := src.UIDs("INBOX"); !reflect.DeepEqual(got, []uint32{1, 2, 3}) {
		t.Errorf("folder after delete = %v", got)
	}

	if err := src.Expunge(ctx, "INBOX"); err != nil {
		t.Fatalf("Expunge() error = %v", err)
	}
	if got := src.UIDs("INBOX"); !reflect.DeepEqual(got, []uint32{1, 3}) {
		t.Errorf("folder after expunge = %v", got)
	}

	missing := testutil.Meta("a@x.com", "INBOX", 99, "", "").Identity
	if err := src.Delete(ctx, missing); err == nil {
		t.Error("deleting an unknown message succeeded")
	}
}
