// Package contracts pins down the interfaces between the archive engine
// and its collaborators before implementation. The real declarations
// live under internal/; these are the reference versions the modules are
// written against.
package contracts

import "context"

// MessageIdentity names one message forever: the account address, the
// folder, and the IMAP UID within that folder. UIDs are stable per
// folder as long as UIDVALIDITY holds, which the sync cursor assumes.
type MessageIdentity struct {
	Mailbox string
	Folder  string
	UID     uint32
}

// MessageMeta is the envelope data stored alongside every archived or
// skipped message.
type MessageMeta struct {
	Identity   MessageIdentity
	Sender     string // address, lower-cased
	SenderName string // display name, may be empty
	Subject    string // "(no subject)" when missing
	MessageID  string
	ReceivedAt string // RFC 3339 UTC
}

// RawMessage is one fetched message: identity, server envelope, full
// RFC 822 body.
type RawMessage struct {
	Identity MessageIdentity
	Meta     MessageMeta
	Body     []byte
}

// Source is a read/delete view of one mail account. The IMAP client is
// the production implementation; an in-memory one backs tests.
//
// Library: emersion/go-imap/v2 (imapclient), TLS or STARTTLS.
// Auth: address + password from config, environment, or the OS keyring
// (99designs/keyring).
type Source interface {
	// Name returns the account address, used as the mailbox identity in
	// the index and in run lock keys.
	Name() string

	// ListAfter returns identities with UID greater than watermark, in
	// ascending UID order, at most limit of them (0 = no limit).
	// Ascending order matters: the cursor can only advance over a
	// contiguous prefix of finished messages.
	ListAfter(ctx context.Context, folder string, watermark uint32, limit int) ([]MessageIdentity, error)

	// Fetch retrieves one full message without setting \Seen.
	Fetch(ctx context.Context, id MessageIdentity) (*RawMessage, error)

	// Delete flags one message \Deleted. Nothing is removed until
	// Expunge.
	Delete(ctx context.Context, id MessageIdentity) error

	// Expunge permanently removes every \Deleted message in folder. The
	// cleanup pass calls it once after flagging, not per message.
	Expunge(ctx context.Context, folder string) error

	// Close logs out and drops the connection.
	Close() error
}

// Error contract:
//
//	AuthError      credentials rejected. Run-fatal; retrying cannot help.
//	TransientError network or server trouble. Fails the one message (or
//	               the listing); the next run retries.
//
// Both are matched with errors.As via IsAuthError / IsTransient.
