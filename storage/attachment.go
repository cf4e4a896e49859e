// Package storage holds the attachment store: an opaque blob store that
// returns the public URL of every uploaded payload.
package storage

import (
	"campus-chat/errors"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var categoryPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)

// DefaultAllowedTypes restricts uploads to pictures.
var DefaultAllowedTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// DiskAttachmentStore writes attachments under root/{category}/{uuid}{ext}
// and exposes them under baseURL.
type DiskAttachmentStore struct {
	log          *slog.Logger
	root         string
	baseURL      string
	maxBytes     int
	allowedTypes []string
}

func NewDiskAttachmentStore(log *slog.Logger, root, baseURL string, maxBytes int, allowedTypes []string) (*DiskAttachmentStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("attachment root %s: %w", root, err)
	}
	if len(allowedTypes) == 0 {
		allowedTypes = DefaultAllowedTypes
	}
	return &DiskAttachmentStore{
		log:          log,
		root:         root,
		baseURL:      strings.TrimSuffix(baseURL, "/") + "/",
		maxBytes:     maxBytes,
		allowedTypes: allowedTypes,
	}, nil
}

// Upload sniffs the payload, rejects anything outside the allowed types and
// returns the URL the file is served under.
func (s *DiskAttachmentStore) Upload(ctx context.Context, data []byte, category string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty attachment", errors.ErrInvalidArgument)
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return "", fmt.Errorf("%w: attachment of %d bytes exceeds %d", errors.ErrInvalidArgument, len(data), s.maxBytes)
	}
	if !categoryPattern.MatchString(category) {
		return "", fmt.Errorf("%w: category %q", errors.ErrInvalidArgument, category)
	}

	detected := mimetype.Detect(data)
	if !mimetype.EqualsAny(detected.String(), s.allowedTypes...) {
		return "", fmt.Errorf("%w: content type %s is not accepted", errors.ErrInvalidArgument, detected.String())
	}

	name := uuid.NewString() + detected.Extension()
	dir := filepath.Join(s.root, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", err
	}
	s.log.Debug("Attachment stored", "category", category, "mime", detected.String(), "size", len(data))
	return s.baseURL + path.Join(category, name), nil
}

// Root is the directory served under the base URL.
func (s *DiskAttachmentStore) Root() string {
	return s.root
}
