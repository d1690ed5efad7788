package index

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	identity    TEXT PRIMARY KEY,
	mailbox     TEXT NOT NULL,
	folder      TEXT NOT NULL,
	uid         INTEGER NOT NULL,
	sender      TEXT NOT NULL DEFAULT '',
	sender_name TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	message_id  TEXT NOT NULL DEFAULT '',
	received_at DATETIME NOT NULL,
	status      TEXT NOT NULL CHECK(status IN ('archived', 'skipped')),
	archived_at DATETIME NOT NULL,
	deleted_at  DATETIME
);

CREATE TABLE IF NOT EXISTS attachments (
	id               TEXT PRIMARY KEY,
	message_identity TEXT NOT NULL REFERENCES messages(identity) ON DELETE CASCADE,
	filename         TEXT NOT NULL,
	mime_type        TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL,
	content_hash     TEXT NOT NULL,
	archive_path     TEXT NOT NULL,
	UNIQUE(message_identity, archive_path)
);

CREATE TABLE IF NOT EXISTS blobs (
	content_hash TEXT PRIMARY KEY,
	size         INTEGER NOT NULL,
	storage_path TEXT NOT NULL,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_cursor (
	mailbox   TEXT NOT NULL,
	folder    TEXT NOT NULL,
	watermark INTEGER NOT NULL,
	last_sync DATETIME NOT NULL,
	PRIMARY KEY (mailbox, folder)
);

CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(mailbox, folder, uid);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_identity);
CREATE INDEX IF NOT EXISTS idx_attachments_hash ON attachments(content_hash);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_attachments_filename ON attachments(filename);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
