package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/attachment-archiver/internal/model"
)

// MemorySource is an in-memory Source implementation. It backs tests and
// local experiments; the semantics (UID ordering, mark-then-expunge
// deletion) mirror a real IMAP folder.
type MemorySource struct {
	mu      sync.Mutex
	name    string
	folders map[string][]*memoryMessage

	// FetchErrs injects per-message fetch failures, keyed by identity key.
	FetchErrs map[string]error
}

type memoryMessage struct {
	meta    model.MessageMeta
	body    []byte
	deleted bool
}

// NewMemorySource returns an empty source with the given mailbox name.
func NewMemorySource(name string) *MemorySource {
	return &MemorySource{
		name:      name,
		folders:   make(map[string][]*memoryMessage),
		FetchErrs: make(map[string]error),
	}
}

// Add inserts a message. The identity on meta determines folder and UID.
func (s *MemorySource) Add(meta model.MessageMeta, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	folder := meta.Identity.Folder
	s.folders[folder] = append(s.folders[folder], &memoryMessage{meta: meta, body: body})
	sort.Slice(s.folders[folder], func(i, j int) bool {
		return s.folders[folder][i].meta.Identity.UID < s.folders[folder][j].meta.Identity.UID
	})
}

// Name returns the mailbox identity.
func (s *MemorySource) Name() string { return s.name }

// ListAfter returns identities with UID greater than watermark, ascending.
func (s *MemorySource) ListAfter(ctx context.Context, folder string, watermark uint32, limit int) ([]model.MessageIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []model.MessageIdentity
	for _, m := range s.folders[folder] {
		if m.deleted || m.meta.Identity.UID <= watermark {
			continue
		}
		ids = append(ids, m.meta.Identity)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Fetch returns the message with the given identity.
func (s *MemorySource) Fetch(ctx context.Context, id model.MessageIdentity) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.FetchErrs[id.Key()]; ok {
		return nil, err
	}

	m := s.find(id)
	if m == nil {
		return nil, fmt.Errorf("fetching %s: no such message", id.Key())
	}

	body := make([]byte, len(m.body))
	copy(body, m.body)
	return &RawMessage{Identity: id, Meta: m.meta, Body: body}, nil
}

// Delete marks the message deleted.
func (s *MemorySource) Delete(ctx context.Context, id model.MessageIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.find(id)
	if m == nil {
		return fmt.Errorf("deleting %s: no such message", id.Key())
	}
	m.deleted = true
	return nil
}

// Expunge removes all messages marked deleted in folder.
func (s *MemorySource) Expunge(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.folders[folder][:0]
	for _, m := range s.folders[folder] {
		if !m.deleted {
			kept = append(kept, m)
		}
	}
	s.folders[folder] = kept
	return nil
}

// Close is a no-op for the in-memory source.
func (s *MemorySource) Close() error { return nil }

// UIDs returns the UIDs still present (not expunged) in folder, ascending.
// Messages merely marked deleted are included, as on a real server.
func (s *MemorySource) UIDs(folder string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	uids := make([]uint32, 0, len(s.folders[folder]))
	for _, m := range s.folders[folder] {
		uids = append(uids, m.meta.Identity.UID)
	}
	return uids
}

func (s *MemorySource) find(id model.MessageIdentity) *memoryMessage {
	for _, m := range s.folders[id.Folder] {
		if m.meta.Identity.UID == id.UID {
			return m
		}
	}
	return nil
}
