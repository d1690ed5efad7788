package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/attachment-archiver/internal/blobstore"
	"github.com/nhle/attachment-archiver/internal/index"
	"github.com/nhle/attachment-archiver/internal/mailbox"
	"github.com/nhle/attachment-archiver/internal/model"
)

// Coordinator decides which archived messages are safe to delete from
// the mailbox and records the deletions. Safety is re-checked against
// the disk at call time: an index row alone is never trusted.
type Coordinator struct {
	idx   *index.Index
	blobs *blobstore.Store
	log   *slog.Logger
}

// New returns a Coordinator. A nil logger falls back to slog.Default.
func New(idx *index.Index, blobs *blobstore.Store, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{idx: idx, blobs: blobs, log: log}
}

// Eligible returns the messages in one folder that may be deleted from
// the mailbox: archived, not yet deleted, and with every attachment's
// blob present on disk at its recorded size. A message failing any check
// is logged and left alone.
func (c *Coordinator) Eligible(
	ctx context.Context, mbox, folder string,
) ([]model.MessageIdentity, error) {
	candidates, err := c.idx.MessagesInFolder(ctx, mbox, folder, model.StatusArchived)
	if err != nil {
		return nil, fmt.Errorf("listing archived messages: %w", err)
	}

	var eligible []model.MessageIdentity
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := c.verify(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, id)
		}
	}
	return eligible, nil
}

// verify re-checks one message's attachments against the blob store.
func (c *Coordinator) verify(ctx context.Context, id model.MessageIdentity) (bool, error) {
	attachments, err := c.idx.AttachmentsFor(ctx, id)
	if err != nil {
		return false, fmt.Errorf("reading attachments for %s: %w", id.Key(), err)
	}

	// An archived message with no attachment rows is inconsistent;
	// deleting its mailbox copy would destroy the only record.
	if len(attachments) == 0 {
		c.log.Warn("message has no attachment records, keeping",
			"message", id.Key())
		return false, nil
	}

	for _, a := range attachments {
		blob, err := c.idx.BlobByHash(ctx, a.ContentHash)
		if err != nil {
			return false, fmt.Errorf("reading blob %s: %w", a.ContentHash, err)
		}
		if blob == nil {
			c.log.Warn("blob record missing, keeping message",
				"message", id.Key(), "hash", a.ContentHash)
			return false, nil
		}
		if err := c.blobs.Verify(a.ContentHash, a.Size); err != nil {
			c.log.Warn("blob failed on-disk verification, keeping message",
				"message", id.Key(), "hash", a.ContentHash, "error", err)
			return false, nil
		}
	}
	return true, nil
}

// ConfirmDeleted records that a message was removed from the mailbox.
func (c *Coordinator) ConfirmDeleted(ctx context.Context, id model.MessageIdentity) error {
	return c.idx.MarkDeleted(ctx, id, time.Now().UTC())
}

// Sweep deletes every eligible message in folder from src: each message
// is marked deleted and recorded, then the folder is expunged once at
// the end. Per-message failures are logged and skipped; the count of
// messages actually deleted is returned.
func (c *Coordinator) Sweep(
	ctx context.Context, src mailbox.Source, mbox, folder string,
) (int, error) {
	eligible, err := c.Eligible(ctx, mbox, folder)
	if err != nil {
		return 0, err
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	deleted := 0
	for _, id := range eligible {
		if err := ctx.Err(); err != nil {
			break
		}

		if err := src.Delete(ctx, id); err != nil {
			c.log.Error("marking message deleted failed",
				"message", id.Key(), "error", err)
			continue
		}
		if err := c.ConfirmDeleted(ctx, id); err != nil {
			c.log.Error("recording deletion failed",
				"message", id.Key(), "error", err)
			continue
		}

		c.log.Info("deleted archived message", "message", id.Key())
		deleted++
	}

	if deleted > 0 {
		if err := src.Expunge(ctx, folder); err != nil {
			return deleted, fmt.Errorf("expunging %s: %w", folder, err)
		}
	}
	return deleted, nil
}
