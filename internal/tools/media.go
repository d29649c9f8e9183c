package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const mediaDownloadLimit = 32 << 20

var mediaTypes = map[string]bool{
	"image":    true,
	"video":    true,
	"audio":    true,
	"document": true,
}

// MediaTag formats the in-band dispatch tag the messaging gateway strips
// and turns into an actual media send.
func MediaTag(localPath, mediaType string) string {
	return fmt.Sprintf("[MEDIA_SEND:%s|%s]", localPath, mediaType)
}

// sendMedia stages media for dispatch. Remote URLs are downloaded into
// the managed media directory; local references must already live there.
// The returned tag, not the media itself, goes back to the model.
func (r *Registry) sendMedia(ctx context.Context, source, mediaType string) (string, error) {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if !mediaTypes[mediaType] {
		return "", fmt.Errorf("media type must be one of image, video, audio, document")
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return "", fmt.Errorf("empty media source")
	}

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		local, err := r.downloadMedia(ctx, source)
		if err != nil {
			return "", err
		}
		return MediaTag(local, mediaType), nil
	}

	local, err := r.resolveManagedPath(source)
	if err != nil {
		return "", err
	}
	return MediaTag(local, mediaType), nil
}

func (r *Registry) downloadMedia(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(r.cfg.MediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	ext := ""
	if u, perr := url.Parse(rawURL); perr == nil {
		ext = path.Ext(path.Base(u.Path))
	}
	if len(ext) > 8 {
		ext = ""
	}
	dest := filepath.Join(r.cfg.MediaDir, uuid.NewString()+ext)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, io.LimitReader(resp.Body, mediaDownloadLimit)); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("write media file: %w", err)
	}
	return dest, nil
}

// resolveManagedPath accepts only files that already exist inside the
// managed media directory. Anything else is rejected.
func (r *Registry) resolveManagedPath(source string) (string, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("resolve media path: %w", err)
	}
	dir, err := filepath.Abs(r.cfg.MediaDir)
	if err != nil {
		return "", fmt.Errorf("resolve media dir: %w", err)
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("media path outside managed directory")
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("media file not accessible: %w", err)
	}
	return abs, nil
}
