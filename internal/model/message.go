package model

import (
	"fmt"
	"time"
)

// Message status constants used in the archive index.
const (
	// StatusArchived marks a message whose attachments and index records
	// are fully committed.
	StatusArchived = "archived"

	// StatusSkipped marks a message whose MIME structure could not be
	// parsed; it is recorded so the run can move past it without retrying
	// forever.
	StatusSkipped = "skipped"

	// StatusFailed is a per-run outcome only, never persisted: the message
	// hit a retryable error and will be reprocessed on the next run.
	StatusFailed = "failed"
)

// MessageIdentity is the remote identity of a message: the account, the
// folder, and the folder-stable UID. It is the idempotence key for
// "already processed" and the unit the sync cursor advances over.
type MessageIdentity struct {
	// Mailbox is the account address the message belongs to.
	Mailbox string

	// Folder is the mailbox folder name (e.g., "INBOX").
	Folder string

	// UID is the message's unique identifier within the folder.
	UID uint32
}

// Key returns the canonical index key for this identity.
func (id MessageIdentity) Key() string {
	return fmt.Sprintf("%s/%s/%d", id.Mailbox, id.Folder, id.UID)
}

// MessageMeta holds the decoded envelope data of a fetched message.
type MessageMeta struct {
	// Identity is the remote identity the metadata was fetched under.
	Identity MessageIdentity

	// Sender is the address portion of the From header.
	Sender string

	// SenderName is the display-name portion of the From header, if any.
	SenderName string

	// Subject is the decoded Subject header; "(no subject)" when absent
	// or undecodable.
	Subject string

	// MessageID is the RFC 5322 Message-ID header without angle brackets.
	MessageID string

	// ReceivedAt is the message date, falling back to the server's
	// internal date when the Date header is missing or unparseable.
	ReceivedAt time.Time
}

// Cursor is the persisted high-water mark for one (mailbox, folder).
// It advances strictly forward and never past a message whose records
// are not durably committed.
type Cursor struct {
	Mailbox   string
	Folder    string
	Watermark uint32
	LastSync  time.Time
}
