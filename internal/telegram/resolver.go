package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/domain"
)

// Resolver downloads Telegram files into a local directory. It implements
// domain.AttachmentResolver.
type Resolver struct {
	bot    *tgbotapi.BotAPI
	dir    string
	client *http.Client
}

// NewResolver builds a resolver that stores files under dir.
func (a *Adapter) NewResolver(dir string) *Resolver {
	return &Resolver{
		bot:    a.bot,
		dir:    dir,
		client: &http.Client{},
	}
}

// Resolve fetches the file behind ref and returns its local path. Files whose
// reported or actual size exceeds maxBytes yield ErrAttachmentTooLarge;
// download failures yield ErrAttachmentDownload.
func (r *Resolver) Resolve(ctx context.Context, ref domain.AttachmentRef, maxBytes int64) (string, error) {
	if maxBytes > 0 && ref.SizeHint > maxBytes {
		return "", fmt.Errorf("%w: %d bytes", domain.ErrAttachmentTooLarge, ref.SizeHint)
	}

	file, err := r.bot.GetFile(tgbotapi.FileConfig{FileID: ref.ID})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAttachmentDownload, err)
	}
	if maxBytes > 0 && int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes", domain.ErrAttachmentTooLarge, file.FileSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(r.bot.Token), nil)
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
	dst := filepath.Join(r.dir, file.FileUniqueID+filepath.Ext(file.FilePath))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAttachmentDownload, err)
	}
	defer out.Close()

	// Enforce the cap on the wire too; the reported size can lie.
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
