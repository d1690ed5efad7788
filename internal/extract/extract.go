package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"unicode"

	"github.com/emersion/go-message/mail"
	"golang.org/x/text/unicode/norm"

	"github.com/nhle/attachment-archiver/internal/model"
)

// maxFilenameLen caps sanitized filenames in runes. Longer names are
// truncated with the extension preserved.
const maxFilenameLen = 100

// fallbackSubject replaces empty or missing Subject headers.
const fallbackSubject = "(no subject)"

// MalformedError indicates a message whose MIME structure could not be
// parsed. The message is not partially processed; callers treat it as a
// per-message skip.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsMalformed reports whether err (or any error in its chain) is a
// MalformedError.
func IsMalformed(err error) bool {
	var mErr *MalformedError
	return errors.As(err, &mErr)
}

// Parse decodes a full RFC 822 message. It returns the header fields the
// index stores and every attachment part. Attachment parts are those with
// an attachment disposition plus any inline part that declares a
// filename; bare inline parts (the message text, unnamed inline images)
// are not archived. A message with no attachments yields an empty slice
// and no error.
//
// The returned meta carries no identity; the caller knows where the
// message came from.
func Parse(body []byte) (model.MessageMeta, []model.AttachmentPayload, error) {
	var meta model.MessageMeta

	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil {
		return meta, nil, &MalformedError{Reason: "parsing message", Err: err}
	}
	defer mr.Close()

	meta = metaFromHeader(&mr.Header)

	var payloads []model.AttachmentPayload
	seq := 0

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return meta, nil, &MalformedError{Reason: "reading next part", Err: err}
		}

		var declared, contentType string
		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			declared, _ = h.Filename()
			contentType, _, _ = h.ContentType()
		case *mail.InlineHeader:
			declared, _ = h.Filename()
			if declared == "" {
				continue
			}
			contentType, _, _ = h.ContentType()
		default:
			continue
		}
		seq++

		data, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			// A part that cannot be decoded is dropped; the rest of the
			// message is still usable.
			continue
		}
		if len(data) == 0 {
			continue
		}

		if contentType == "" {
			contentType = "application/octet-stream"
		}

		name := SanitizeFilename(declared)
		if name == "" {
			name = fallbackName(seq, contentType)
		}

		payloads = append(payloads, model.AttachmentPayload{
			Filename:         name,
			DeclaredFilename: declared,
			MIMEType:         contentType,
			Data:             data,
		})
	}

	return meta, payloads, nil
}

// metaFromHeader pulls the indexed fields out of the top-level header,
// with RFC 2047 decoding done by go-message.
func metaFromHeader(h *mail.Header) model.MessageMeta {
	var meta model.MessageMeta

	if subject, err := h.Subject(); err == nil {
		meta.Subject = strings.TrimSpace(subject)
	}
	if id, err := h.MessageID(); err == nil {
		meta.MessageID = id
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		meta.ReceivedAt = date.UTC()
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		meta.Sender = from[0].Address
		meta.SenderName = from[0].Name
	}

	return meta
}

// SanitizeFilename makes a declared attachment filename safe to use as a
// path component. Letters and digits (any script) plus ".", "-" and "_"
// are kept; every other rune, path separators and control characters
// included, becomes "_". Leading punctuation and trailing dots are
// stripped so no hidden or flag-like names appear, and the result is
// capped at 100 runes with the extension preserved. An empty result
// means the caller should substitute a generated name.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.TrimLeft(b.String(), "._-")
	out = strings.TrimRight(out, ".")
	if out == "" {
		return ""
	}

	runes := []rune(out)
	if len(runes) <= maxFilenameLen {
		return out
	}

	ext := path.Ext(out)
	if len([]rune(ext)) >= maxFilenameLen {
		return string(runes[:maxFilenameLen])
	}
	base := strings.TrimSuffix(out, ext)
	baseRunes := []rune(base)
	keep := maxFilenameLen - len([]rune(ext))
	if keep > len(baseRunes) {
		keep = len(baseRunes)
	}
	return string(baseRunes[:keep]) + ext
}

// NormalizeSubject trims a Subject header and substitutes a placeholder
// when the header is empty or missing.
func NormalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallbackSubject
	}
	return s
}

// fallbackName builds a name for an attachment that declared none, using
// the part's position and an extension guessed from the MIME type.
func fallbackName(seq int, contentType string) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		// ExtensionsByType sorts its results; the last entry is the
		// conventional spelling (".jpg" over ".jpe").
		ext = exts[len(exts)-1]
	}
	return fmt.Sprintf("attachment_%d%s", seq, ext)
}
