package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/attachment-archiver/internal/model"
)

// WriteError wraps an index write failure. Transient failures (a busy or
// locked database) fail the affected message and are retried on a later
// run; anything else is treated as fatal by the engine.
type WriteError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("index write error during %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsTransientWrite reports whether err is a WriteError marked transient.
func IsTransientWrite(err error) bool {
	var wErr *WriteError
	return errors.As(err, &wErr) && wErr.Transient
}

// StaleAdvanceError reports an attempt to move a sync cursor backwards
// or to where it already is. The cursor only ever moves forward.
type StaleAdvanceError struct {
	Mailbox  string
	Folder   string
	Current  uint32
	Proposed uint32
}

func (e *StaleAdvanceError) Error() string {
	return fmt.Sprintf(
		"stale cursor advance for %s/%s: current %d, proposed %d",
		e.Mailbox, e.Folder, e.Current, e.Proposed,
	)
}

// Index is the archive's metadata store backed by a local SQLite
// database. It records archived messages, their attachments, the blobs
// holding attachment content, and the per-folder sync cursors.
type Index struct {
	db *sqlx.DB
}

// Open opens (or creates) the index database at dbPath, enables WAL mode
// and foreign keys, and runs any pending schema migrations.
func Open(dbPath string) (*Index, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite serializes writes anyway; a single connection avoids busy
	// errors between the worker goroutines and keeps :memory: databases
	// coherent.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	ix := &Index{db: db}
	if err := ix.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return ix, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (ix *Index) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := ix.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = ix.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := ix.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Commit records a fully archived message in a single transaction: the
// message row is upserted, its attachment rows are replaced, and blob
// rows are inserted if new. Committing the same message twice leaves the
// index unchanged apart from archived_at.
func (ix *Index) Commit(
	ctx context.Context,
	meta model.MessageMeta,
	attachments []model.AttachmentRecord,
	blobs []model.Blob,
) error {
	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapWrite("begin commit", err)
	}
	defer tx.Rollback()

	identity := meta.Identity.Key()
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			identity, mailbox, folder, uid,
			sender, sender_name, subject, message_id,
			received_at, status, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'archived', ?)
		ON CONFLICT(identity) DO UPDATE SET
			sender = excluded.sender,
			sender_name = excluded.sender_name,
			subject = excluded.subject,
			message_id = excluded.message_id,
			received_at = excluded.received_at,
			status = 'archived',
			archived_at = excluded.archived_at`,
		identity, meta.Identity.Mailbox, meta.Identity.Folder, meta.Identity.UID,
		meta.Sender, meta.SenderName, meta.Subject, meta.MessageID,
		meta.ReceivedAt.UTC(), now,
	)
	if err != nil {
		return wrapWrite(fmt.Sprintf("upserting message %s", identity), err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM attachments WHERE message_identity = ?", identity,
	)
	if err != nil {
		return wrapWrite(fmt.Sprintf("clearing attachments for %s", identity), err)
	}

	attStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO attachments (
			id, message_identity, filename, mime_type,
			size, content_hash, archive_path
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapWrite("preparing attachment insert", err)
	}
	defer attStmt.Close()

	for _, a := range attachments {
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = attStmt.ExecContext(ctx,
			id, identity, a.Filename, a.MIMEType,
			a.Size, a.ContentHash, a.ArchivePath,
		)
		if err != nil {
			return wrapWrite(fmt.Sprintf("inserting attachment %s for %s", a.Filename, identity), err)
		}
	}

	blobStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO blobs (content_hash, size, storage_path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`)
	if err != nil {
		return wrapWrite("preparing blob insert", err)
	}
	defer blobStmt.Close()

	for _, b := range blobs {
		createdAt := b.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err = blobStmt.ExecContext(ctx,
			b.ContentHash, b.Size, b.StoragePath, createdAt.UTC(),
		)
		if err != nil {
			return wrapWrite(fmt.Sprintf("inserting blob %s", b.ContentHash), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapWrite(fmt.Sprintf("committing message %s", identity), err)
	}
	return nil
}

// MarkSkipped records a message that was examined but not archived, so
// the cursor can pass it without losing the audit trail. An existing
// record for the identity is left untouched.
func (ix *Index) MarkSkipped(ctx context.Context, meta model.MessageMeta) error {
	receivedAt := meta.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO messages (
			identity, mailbox, folder, uid,
			sender, sender_name, subject, message_id,
			received_at, status, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'skipped', ?)
		ON CONFLICT(identity) DO NOTHING`,
		meta.Identity.Key(), meta.Identity.Mailbox, meta.Identity.Folder, meta.Identity.UID,
		meta.Sender, meta.SenderName, meta.Subject, meta.MessageID,
		receivedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return wrapWrite(fmt.Sprintf("marking %s skipped", meta.Identity.Key()), err)
	}
	return nil
}

// MessageStatus returns the persisted status for a message identity, or
// ok=false when the message has never been recorded.
func (ix *Index) MessageStatus(
	ctx context.Context, id model.MessageIdentity,
) (string, bool, error) {
	var status string
	err := ix.db.GetContext(ctx, &status,
		"SELECT status FROM messages WHERE identity = ?", id.Key(),
	)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading status for %s: %w", id.Key(), err)
	}
	return status, true, nil
}

// Filter narrows a Query. Terms are matched with LIKE against sender,
// sender name, subject, and filename; every term must match at least one
// field. The caller applies any finer ranking or matching on top.
type Filter struct {
	Terms   []string
	Mailbox string
	Folder  string
	Limit   int
}

// Query returns denormalized attachment records, one per attachment,
// joined with their message fields. Only archived messages are returned,
// newest first.
func (ix *Index) Query(ctx context.Context, f Filter) ([]model.IndexRecord, error) {
	query := `
		SELECT m.mailbox, m.folder, m.uid,
		       m.sender, m.sender_name, m.subject, m.received_at,
		       a.filename, a.mime_type, a.size, a.content_hash, a.archive_path
		FROM attachments a
		JOIN messages m ON m.identity = a.message_identity
		WHERE m.status = 'archived'`
	var args []interface{}

	if f.Mailbox != "" {
		query += " AND m.mailbox = ?"
		args = append(args, f.Mailbox)
	}
	if f.Folder != "" {
		query += " AND m.folder = ?"
		args = append(args, f.Folder)
	}
	for _, term := range f.Terms {
		query += ` AND (m.sender LIKE ? OR m.sender_name LIKE ?
			OR m.subject LIKE ? OR a.filename LIKE ?)`
		like := "%" + term + "%"
		args = append(args, like, like, like, like)
	}

	query += " ORDER BY m.received_at DESC, m.uid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := ix.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	defer rows.Close()

	var records []model.IndexRecord
	for rows.Next() {
		rec, err := scanIndexRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// AttachmentsFor returns the attachment records of one message.
func (ix *Index) AttachmentsFor(
	ctx context.Context, id model.MessageIdentity,
) ([]model.AttachmentRecord, error) {
	rows, err := ix.db.QueryxContext(ctx, `
		SELECT id, filename, mime_type, size, content_hash, archive_path
		FROM attachments
		WHERE message_identity = ?
		ORDER BY filename`,
		id.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying attachments for %s: %w", id.Key(), err)
	}
	defer rows.Close()

	var records []model.AttachmentRecord
	for rows.Next() {
		var a model.AttachmentRecord
		err := rows.Scan(
			&a.ID, &a.Filename, &a.MIMEType,
			&a.Size, &a.ContentHash, &a.ArchivePath,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		a.Message = id
		records = append(records, a)
	}

	return records, rows.Err()
}

// BlobByHash returns the blob record for a content hash, or nil when the
// hash is unknown.
func (ix *Index) BlobByHash(ctx context.Context, hash string) (*model.Blob, error) {
	var (
		b         model.Blob
		createdAt time.Time
	)
	row := ix.db.QueryRowxContext(ctx,
		"SELECT content_hash, size, storage_path, created_at FROM blobs WHERE content_hash = ?",
		hash,
	)
	err := row.Scan(&b.ContentHash, &b.Size, &b.StoragePath, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	b.CreatedAt = createdAt
	return &b, nil
}

// MessagesInFolder returns the identities of messages in one folder with
// the given status, excluding messages already deleted from the mailbox,
// in ascending UID order.
func (ix *Index) MessagesInFolder(
	ctx context.Context, mailbox, folder, status string,
) ([]model.MessageIdentity, error) {
	rows, err := ix.db.QueryxContext(ctx, `
		SELECT mailbox, folder, uid
		FROM messages
		WHERE mailbox = ? AND folder = ? AND status = ? AND deleted_at IS NULL
		ORDER BY uid`,
		mailbox, folder, status,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages in %s/%s: %w", mailbox, folder, err)
	}
	defer rows.Close()

	var ids []model.MessageIdentity
	for rows.Next() {
		var id model.MessageIdentity
		if err := rows.Scan(&id.Mailbox, &id.Folder, &id.UID); err != nil {
			return nil, fmt.Errorf("scanning message identity: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// MarkDeleted records that a message was removed from its mailbox. The
// archive copy stays; only the audit timestamp changes. Calling it again
// for the same message is a no-op.
func (ix *Index) MarkDeleted(
	ctx context.Context, id model.MessageIdentity, at time.Time,
) error {
	_, err := ix.db.ExecContext(ctx,
		"UPDATE messages SET deleted_at = ? WHERE identity = ? AND deleted_at IS NULL",
		at.UTC(), id.Key(),
	)
	if err != nil {
		return wrapWrite(fmt.Sprintf("marking %s deleted", id.Key()), err)
	}
	return nil
}

// Cursor returns the sync watermark for a mailbox folder. ok is false
// when no cursor has been stored yet, meaning sync starts from zero.
func (ix *Index) Cursor(
	ctx context.Context, mailbox, folder string,
) (uint32, bool, error) {
	var watermark uint32
	err := ix.db.GetContext(ctx, &watermark,
		"SELECT watermark FROM sync_cursor WHERE mailbox = ? AND folder = ?",
		mailbox, folder,
	)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading cursor for %s/%s: %w", mailbox, folder, err)
	}
	return watermark, true, nil
}

// AdvanceCursor moves the watermark forward in its own transaction. The
// engine calls it only after every message at or below the new watermark
// has been committed or skipped, so a crash can leave the cursor behind
// the archive but never ahead of it. A non-increasing watermark returns
// StaleAdvanceError.
func (ix *Index) AdvanceCursor(
	ctx context.Context, mailbox, folder string, watermark uint32,
) error {
	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapWrite("begin cursor advance", err)
	}
	defer tx.Rollback()

	var current uint32
	err = tx.GetContext(ctx, &current,
		"SELECT watermark FROM sync_cursor WHERE mailbox = ? AND folder = ?",
		mailbox, folder,
	)
	if err != nil && err != sql.ErrNoRows {
		return wrapWrite(fmt.Sprintf("reading cursor for %s/%s", mailbox, folder), err)
	}
	if err == nil && watermark <= current {
		return &StaleAdvanceError{
			Mailbox:  mailbox,
			Folder:   folder,
			Current:  current,
			Proposed: watermark,
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_cursor (mailbox, folder, watermark, last_sync)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox, folder) DO UPDATE SET
			watermark = excluded.watermark,
			last_sync = excluded.last_sync`,
		mailbox, folder, watermark, time.Now().UTC(),
	)
	if err != nil {
		return wrapWrite(fmt.Sprintf("advancing cursor for %s/%s", mailbox, folder), err)
	}

	if err := tx.Commit(); err != nil {
		return wrapWrite("committing cursor advance", err)
	}
	return nil
}

// scanIndexRecord scans a denormalized query row.
func scanIndexRecord(rows *sqlx.Rows) (model.IndexRecord, error) {
	var (
		rec        model.IndexRecord
		receivedAt time.Time
	)

	err := rows.Scan(
		&rec.Message.Mailbox, &rec.Message.Folder, &rec.Message.UID,
		&rec.Sender, &rec.SenderName, &rec.Subject, &receivedAt,
		&rec.Filename, &rec.MIMEType, &rec.Size, &rec.ContentHash, &rec.ArchivePath,
	)
	if err != nil {
		return model.IndexRecord{}, fmt.Errorf("scanning index row: %w", err)
	}

	rec.ReceivedAt = receivedAt
	return rec, nil
}

// wrapWrite classifies a write failure. Busy and locked databases are
// retryable; everything else is not.
func wrapWrite(op string, err error) error {
	msg := strings.ToLower(err.Error())
	transient := strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
	return &WriteError{Op: op, Transient: transient, Err: err}
}
