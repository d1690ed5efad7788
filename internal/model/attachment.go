package model

import "time"

// AttachmentPayload is a decoded attachment ready for content-addressed
// storage.
type AttachmentPayload struct {
	// Filename is the sanitized name, safe to place in the archive tree.
	Filename string

	// DeclaredFilename is the name as transmitted, before sanitization.
	// Empty when the part carried no name and one was generated.
	DeclaredFilename string

	// MIMEType is the declared media type (e.g., "application/pdf").
	MIMEType string

	// Data is the raw decoded content.
	Data []byte
}

// AttachmentRecord is the indexed projection of a stored attachment.
// Many records may reference the same blob.
type AttachmentRecord struct {
	// ID is the internal unique identifier for this record.
	ID string

	// Message is the identity of the owning message.
	Message MessageIdentity

	// Filename is the sanitized attachment name.
	Filename string

	// MIMEType is the declared media type.
	MIMEType string

	// Size is the content length in bytes.
	Size int64

	// ContentHash is the hex SHA-256 of the content, keying the blob.
	ContentHash string

	// ArchivePath is the browse-tree path relative to the archive root.
	ArchivePath string
}

// Blob is the unique content-addressed payload behind one or more
// attachment records. Stored once, never mutated.
type Blob struct {
	ContentHash string
	Size        int64
	StoragePath string
	CreatedAt   time.Time
}

// IndexRecord is the denormalized message+attachment projection served by
// queries and search.
type IndexRecord struct {
	Message     MessageIdentity
	Sender      string
	SenderName  string
	Subject     string
	ReceivedAt  time.Time
	Filename    string
	MIMEType    string
	Size        int64
	ContentHash string
	ArchivePath string
}
