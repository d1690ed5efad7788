// The archive pipeline contract: what one run does, in order, and what
// each failure means.
//
// Libraries: emersion/go-message (MIME), crypto/sha256 + hard links
// (blob store), jmoiron/sqlx + modernc.org/sqlite (index),
// golang.org/x/sync/errgroup (worker pool).
package contracts

// Run phases, in order:
//
// Listing:
//   Read the (mailbox, folder) cursor; 0 when absent.
//   ListAfter(cursor, max_messages_per_run) -> UIDs ascending.
//
// Processing (bounded worker pool):
//   Per message:
//     1. Status check: a message already recorded archived/skipped keeps
//        its outcome; nothing is fetched or stored twice.
//     2. Fetch (peek; \Seen is never set).
//     3. Extract: every MIME part with a filename, whether its
//        disposition is attachment or inline. Unnamed inline parts are
//        message text, not attachments. Filenames are sanitized (NFC,
//        letters/digits/._- only, 100 runes max, extension preserved);
//        a part with no usable name becomes attachment_<n>.<ext>.
//     4. Store: sha256 over content; blob written once under
//        blobs/sha256/<hh>/<hash> (temp file + rename); browse link at
//        browse/YYYY/MM/<sender>/<category>/<filename>, suffixed with
//        -<hash8> on collision with different content.
//     5. Commit: message row, attachment rows, blob rows in one
//        transaction. Re-commit of the same message replaces its
//        attachment rows and keeps deleted_at.
//   Outcomes: archived, skipped (malformed MIME or no attachments,
//   recorded), failed (transient; retried next run), unattempted.
//   A run stops submitting new messages after max_errors failures.
//
// Cursoring:
//   New watermark = highest UID U such that every listed UID <= U ended
//   archived or skipped. Never past a failed or unattempted message.
//   Advanced in its own transaction, strictly after the commits it
//   covers; a crash leaves the cursor behind the archive, never ahead.
//   A non-increasing advance is rejected (StaleAdvanceError).
//
// Cleanup (only when delete_after_archive):
//   A message is deletable only if archived, not yet deleted, and every
//   attachment's blob verifies on disk at its recorded size. Flag
//   \Deleted per message, record deleted_at, one Expunge at the end.
//
// Error taxonomy:
//   auth            -> run-fatal
//   transient fetch -> message failed, cursor holds
//   malformed MIME  -> skipped, recorded, cursor passes
//   storage write   -> message failed
//   index busy      -> message failed
//   index corrupt   -> run-fatal
//   stale cursor    -> run-fatal
//
// Concurrency:
//   One run per (mailbox, folder) at a time, enforced in-process
//   (ErrRunInProgress). Index writes serialize over a single SQLite
//   connection in WAL mode.
