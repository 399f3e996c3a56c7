package discord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"chatrelay/internal/domain"
)

// Resolver downloads Discord attachments, which carry a direct CDN URL in
// their ref ID. It implements domain.AttachmentResolver.
type Resolver struct {
	dir    string
	client *http.Client
}

func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir, client: &http.Client{}}
}

func (r *Resolver) Resolve(ctx context.Context, ref domain.AttachmentRef, maxBytes int64) (string, error) {
	if maxBytes > 0 && ref.SizeHint > maxBytes {
		return "", fmt.Errorf("%w: %d bytes", domain.ErrAttachmentTooLarge, ref.SizeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.ID, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAttachmentDownload, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAttachmentDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", domain.ErrAttachmentDownload, resp.StatusCode)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAttachmentDownload, err)
	}
	sum := sha256.Sum256([]byte(ref.ID))
	dst := filepath.Join(r.dir, hex.EncodeToString(sum[:8])+filepath.Ext(ref.ID))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAttachmentDownload, err)
	}
	defer out.Close()

	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	n, err := io.Copy(out, body)
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("%w: %v", domain.ErrAttachmentDownload, err)
	}
	if maxBytes > 0 && n > maxBytes {
		os.Remove(dst)
		return "", fmt.Errorf("%w: exceeds %d bytes", domain.ErrAttachmentTooLarge, maxBytes)
	}
	return dst, nil
}
