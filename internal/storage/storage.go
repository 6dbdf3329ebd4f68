// Package storage validates and saves message attachments.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"skillsync-chat/internal/models"
)

var (
	ErrMessageTooLarge     = errors.New("attachment exceeds size limit")
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// sniffLen is how much of the upload is inspected to detect the type.
const sniffLen = 3072

// Upload is an attachment as received from a client.
type Upload struct {
	Name string
	Size int64
	Body io.Reader
}

// BlobStore persists attachments and returns where they can be fetched.
type BlobStore interface {
	Save(ctx context.Context, upload Upload) (models.Attachment, error)
	// Delete removes a saved attachment that ended up unreferenced.
	Delete(ctx context.Context, att models.Attachment) error
}

// LocalBlobStore writes attachments under a directory that is served
// read-only at URLPrefix.
type LocalBlobStore struct {
	dir       string
	baseURL   string
	maxBytes  int64
	allowed   []string
	URLPrefix string
}

func NewLocalBlobStore(dir, publicBaseURL string, maxBytes int64, allowed []string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalBlobStore{
		dir:       dir,
		baseURL:   strings.TrimRight(publicBaseURL, "/"),
		maxBytes:  maxBytes,
		allowed:   allowed,
		URLPrefix: "/uploads",
	}, nil
}

// Dir is the directory attachments are written to.
func (s *LocalBlobStore) Dir() string { return s.dir }

// Save checks the declared size, then the sniffed content type, and only
// then writes the file. Nothing is written for a rejected upload.
func (s *LocalBlobStore) Save(ctx context.Context, upload Upload) (models.Attachment, error) {
	if upload.Size > s.maxBytes {
		return models.Attachment{}, ErrMessageTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(upload.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return models.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return models.Attachment{}, fmt.Errorf("%w: empty file", ErrUnsupportedFileType)
	}

	mtype := mimetype.Detect(head)
	if !s.isAllowed(mtype) {
		return models.Attachment{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, mtype.String())
	}
	if err := ctx.Err(); err != nil {
		return models.Attachment{}, err
	}

	name := uuid.NewString() + mtype.Extension()
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("create blob: %w", err)
	}

	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), upload.Body), s.maxBytes+1)
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && written > s.maxBytes {
		err = ErrMessageTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrMessageTooLarge) {
			return models.Attachment{}, err
		}
		return models.Attachment{}, fmt.Errorf("write blob: %w", err)
	}

	return models.Attachment{
		URL:         s.baseURL + s.URLPrefix + "/" + name,
		Name:        displayName(upload.Name, name),
		Size:        written,
		ContentType: baseType(mtype.String()),
	}, nil
}

// Delete removes the file behind att. Deleting a missing file is not an error.
func (s *LocalBlobStore) Delete(_ context.Context, att models.Attachment) error {
	prefix := s.baseURL + s.URLPrefix + "/"
	if !strings.HasPrefix(att.URL, prefix) {
		return fmt.Errorf("delete blob: %q is not a local attachment", att.URL)
	}
	name := filepath.Base(strings.TrimPrefix(att.URL, prefix))
	if name == "." || name == "/" {
		return fmt.Errorf("delete blob: %q has no file name", att.URL)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *LocalBlobStore) isAllowed(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		for _, allowed := range s.allowed {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// KindFor picks the message kind for a stored attachment.
func KindFor(contentType string) models.MessageKind {
	if strings.HasPrefix(contentType, "image/") {
		return models.MessageKindImage
	}
	return models.MessageKindFile
}

func baseType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return contentType
}

func displayName(original, fallback string) string {
	name := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}
