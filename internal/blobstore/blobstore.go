package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nhle/attachment-archiver/internal/extract"
	"github.com/nhle/attachment-archiver/internal/model"
)

// StorageError wraps a filesystem failure in the archive tree.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err (or any error in its chain) is a
// StorageError.
func IsStorage(err error) bool {
	var sErr *StorageError
	return errors.As(err, &sErr)
}

// Store is a content-addressed blob store with a human-browsable link
// tree beside it. Blobs live under blobs/sha256/<hh>/<hash>; the browse
// tree under browse/YYYY/MM/<sender>/<category>/ holds hard links (or
// symlinks where hard links are unsupported), never copies.
type Store struct {
	root string
}

// New opens the store rooted at root, creating the blob directory if
// needed.
func New(root string) (*Store, error) {
	blobDir := filepath.Join(root, "blobs", "sha256")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Path: blobDir, Err: err}
	}
	return &Store{root: root}, nil
}

// Root returns the archive root directory.
func (s *Store) Root() string { return s.root }

// Put stores data under its sha256 hash. The returned path is relative
// to the store root. When the blob already exists the write is skipped
// and existed is true; identical content is stored exactly once.
func (s *Store) Put(data []byte) (hash string, existed bool, path string, err error) {
	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])

	rel := blobRel(hash)
	abs := filepath.Join(s.root, rel)

	if _, statErr := os.Stat(abs); statErr == nil {
		return hash, true, rel, nil
	} else if !os.IsNotExist(statErr) {
		return "", false, "", &StorageError{Op: "stat", Path: abs, Err: statErr}
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, "", &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	// Write to a temp file in the same directory so the final rename is
	// atomic; a crash leaves at most an orphan temp file, never a
	// half-written blob under its final name.
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", false, "", &StorageError{Op: "create", Path: dir, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", false, "", &StorageError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", false, "", &StorageError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", false, "", &StorageError{Op: "close", Path: tmpName, Err: err}
	}

	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return "", false, "", &StorageError{Op: "rename", Path: abs, Err: err}
	}

	return hash, false, rel, nil
}

// Link exposes a stored blob in the browse tree under a deterministic
// path derived from the message date, sender, and the attachment's
// category and filename. The returned path is relative to the store
// root. Linking the same blob to the same place twice is a no-op; a name
// already taken by a different blob gets a hash-suffixed alternative.
func (s *Store) Link(
	hash string, meta model.MessageMeta, filename, mimeType string,
) (string, error) {
	blobAbs := filepath.Join(s.root, blobRel(hash))
	blobInfo, err := os.Stat(blobAbs)
	if err != nil {
		return "", &StorageError{Op: "stat", Path: blobAbs, Err: err}
	}

	relDir := browseDir(meta, mimeType)
	absDir := filepath.Join(s.root, relDir)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", &StorageError{Op: "mkdir", Path: absDir, Err: err}
	}

	for _, name := range []string{filename, suffixed(filename, hash)} {
		rel := filepath.Join(relDir, name)
		abs := filepath.Join(s.root, rel)

		info, statErr := os.Stat(abs)
		if statErr == nil {
			if os.SameFile(info, blobInfo) {
				return rel, nil
			}
			continue
		}
		if !os.IsNotExist(statErr) {
			return "", &StorageError{Op: "stat", Path: abs, Err: statErr}
		}

		if err := link(blobAbs, abs); err != nil {
			return "", err
		}
		return rel, nil
	}

	return "", &StorageError{
		Op:   "link",
		Path: filepath.Join(relDir, filename),
		Err:  fmt.Errorf("browse name taken by a different blob"),
	}
}

// Verify checks that the blob for hash is present on disk with the
// expected size. Cleanup calls this for every attachment before a
// message becomes eligible for deletion.
func (s *Store) Verify(hash string, size int64) error {
	abs := filepath.Join(s.root, blobRel(hash))

	info, err := os.Stat(abs)
	if err != nil {
		return &StorageError{Op: "verify", Path: abs, Err: err}
	}
	if info.Size() != size {
		return &StorageError{
			Op:   "verify",
			Path: abs,
			Err:  fmt.Errorf("size mismatch: have %d, want %d", info.Size(), size),
		}
	}
	return nil
}

// link hard links the blob to target, falling back to a symlink on
// filesystems that refuse hard links.
func link(blobAbs, target string) error {
	if err := os.Link(blobAbs, target); err == nil {
		return nil
	}
	if err := os.Symlink(blobAbs, target); err != nil {
		return &StorageError{Op: "link", Path: target, Err: err}
	}
	return nil
}

// blobRel returns the root-relative path of the blob for hash.
func blobRel(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join("blobs", "sha256", prefix, hash)
}

// browseDir builds the root-relative browse directory for a message:
// browse/YYYY/MM/<sender>/<category>.
func browseDir(meta model.MessageMeta, mimeType string) string {
	t := meta.ReceivedAt.UTC()

	sender := extract.SanitizeFilename(meta.Sender)
	if sender == "" {
		sender = "unknown"
	}

	return filepath.Join(
		"browse",
		t.Format("2006"),
		t.Format("01"),
		sender,
		categoryFor(mimeType),
	)
}

// suffixed inserts a short hash before the extension, resolving browse
// name collisions between distinct blobs.
func suffixed(filename, hash string) string {
	short := hash
	if len(short) > 8 {
		short = short[:8]
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s-%s%s", base, short, ext)
}

// categoryFor maps a MIME type to a browse tree category.
func categoryFor(mimeType string) string {
	mt := strings.ToLower(mimeType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case strings.HasPrefix(mt, "image/"):
		return "images"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "text/"):
		return "text"
	}

	switch mt {
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/vnd.oasis.opendocument.text",
		"application/vnd.oasis.opendocument.spreadsheet",
		"application/rtf":
		return "documents"
	case "application/zip",
		"application/gzip",
		"application/x-tar",
		"application/x-7z-compressed",
		"application/x-rar-compressed",
		"application/x-bzip2":
		return "archives"
	}

	return "other"
}
