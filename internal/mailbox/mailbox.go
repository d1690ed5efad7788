package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/attachment-archiver/internal/model"
)

// AuthError indicates that authentication has failed for a mailbox.
// It is returned when the server rejects the login exchange; retrying
// without new credentials is pointless.
type AuthError struct {
	Mailbox string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Mailbox, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransientError wraps a failure that is plausibly temporary, such as a
// dropped connection or a server timeout. Callers may retry the
// operation on a later run.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var tErr *TransientError
	return errors.As(err, &tErr)
}

// RawMessage is a fetched message body together with its identity and
// the envelope fields needed for indexing.
type RawMessage struct {
	// Identity locates the message within its mailbox and folder.
	Identity model.MessageIdentity

	// Meta holds the envelope fields extracted server-side.
	Meta model.MessageMeta

	// Body is the full RFC 822 message, headers included.
	Body []byte
}

// Source defines the contract a mailbox backend must implement. A Source
// is scoped to one account; folder selection happens per call.
type Source interface {
	// Name returns the mailbox identity, normally the account address.
	Name() string

	// ListAfter returns the identities of messages in folder with UID
	// strictly greater than watermark, in ascending UID order. A limit
	// of 0 means no bound.
	ListAfter(ctx context.Context, folder string, watermark uint32, limit int) ([]model.MessageIdentity, error)

	// Fetch retrieves one message body and its envelope.
	Fetch(ctx context.Context, id model.MessageIdentity) (*RawMessage, error)

	// Delete marks a message deleted on the server. The message is not
	// removed until Expunge runs on its folder.
	Delete(ctx context.Context, id model.MessageIdentity) error

	// Expunge permanently removes all messages marked deleted in folder.
	Expunge(ctx context.Context, folder string) error

	// Close releases the underlying connection.
	Close() error
}
