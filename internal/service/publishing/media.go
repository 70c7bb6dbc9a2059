package publishing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/shelfcast/publisher/internal/pkg/httpretry"
	"github.com/shelfcast/publisher/internal/pkg/logger"
)

// MediaKind tells the dispatcher which adapter slot a URL goes into.
type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// ResolvedMedia is a URL every platform can fetch.
type ResolvedMedia struct {
	URL       string
	Kind      MediaKind
	Temporary bool
	Key       string
}

// Slots splits the media into the image and video adapter arguments.
func (m ResolvedMedia) Slots() (imageURL, videoURL string) {
	switch m.Kind {
	case MediaVideo:
		return "", m.URL
	case MediaImage:
		return m.URL, ""
	}
	return "", ""
}

// MediaConfig controls downloads from file lockers.
type MediaConfig struct {
	TempPrefix   string
	LockerHosts  []string
	FetchTimeout time.Duration
	MaxBytes     int64
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".webm": true, ".avi": true, ".mkv": true,
}

var extensionsByType = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"video/x-msvideo": ".avi",
}

var driveFilePath = regexp.MustCompile(`^/file/d/([^/]+)`)

// MediaResolver turns media references into URLs platforms can fetch,
// copying file-locker media into the object store.
type MediaResolver struct {
	http  httpretry.HTTPDoer
	store ObjectStore
	cfg   MediaConfig
}

// NewMediaResolver creates a resolver. client should be a retrying client;
// store may be nil when no temp bucket is configured, in which case locker
// references fail to resolve.
func NewMediaResolver(client httpretry.HTTPDoer, store ObjectStore, cfg MediaConfig) *MediaResolver {
	if cfg.TempPrefix == "" {
		cfg.TempPrefix = "tmp/media"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 256 << 20
	}
	return &MediaResolver{http: client, store: store, cfg: cfg}
}

func noCleanup() {}

// ResolveMedia returns a fetchable URL for rawURL and a cleanup func that
// deletes any temporary copy. The cleanup func is never nil and is safe to
// call more than once; only the first call deletes.
func (r *MediaResolver) ResolveMedia(ctx context.Context, itemID, rawURL string, declaredVideo bool) (ResolvedMedia, func(), error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ResolvedMedia{}, noCleanup, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ResolvedMedia{}, noCleanup, &MediaResolutionError{Ref: rawURL, Err: errors.New("not an absolute URL")}
	}

	if !r.IsLocker(u) {
		kind := MediaImage
		if declaredVideo || videoExtensions[strings.ToLower(path.Ext(u.Path))] {
			kind = MediaVideo
		}
		return ResolvedMedia{URL: rawURL, Kind: kind}, noCleanup, nil
	}

	if r.store == nil {
		return ResolvedMedia{}, noCleanup, &MediaResolutionError{Ref: rawURL, Err: errors.New("no temporary media store configured")}
	}

	data, contentType, err := r.download(ctx, directDownloadURL(u), declaredVideo)
	if err != nil {
		return ResolvedMedia{}, noCleanup, &MediaResolutionError{Ref: rawURL, Err: err}
	}

	kind := MediaImage
	if strings.HasPrefix(contentType, "video/") {
		kind = MediaVideo
	}
	key := fmt.Sprintf("%s/%s/%s%s", strings.TrimSuffix(r.cfg.TempPrefix, "/"), itemID, uuid.New().String(), extensionFor(contentType))

	if err := r.store.Put(ctx, key, data, contentType); err != nil {
		return ResolvedMedia{}, noCleanup, &MediaResolutionError{Ref: rawURL, Err: fmt.Errorf("upload temp copy: %w", err)}
	}
	logger.Info("[MediaResolver] staged locker media", "item_id", itemID, "key", key, "kind", string(kind), "bytes", len(data))

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.store.Delete(delCtx, key); err != nil {
				logger.Warn("[MediaResolver] failed to delete temp media", "item_id", itemID, "key", key, "error", err)
			}
		})
	}

	return ResolvedMedia{URL: r.store.PublicURL(key), Kind: kind, Temporary: true, Key: key}, cleanup, nil
}

// IsLocker reports whether u points at a configured file-locker host.
func (r *MediaResolver) IsLocker(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	for _, h := range r.cfg.LockerHosts {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (r *MediaResolver) download(ctx context.Context, src string, declaredVideo bool) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("locker returned status %d", resp.StatusCode)
	}

	// Read the file into memory with size limit to prevent OOM on large uploads
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > r.cfg.MaxBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", r.cfg.MaxBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("locker returned an empty file")
	}

	contentType := sniffContentType(data, resp.Header.Get("Content-Type"), src, declaredVideo)
	switch {
	case contentType == "text/html":
		return nil, "", errors.New("locker returned an HTML page instead of media, the link may not be public")
	case strings.HasPrefix(contentType, "image/"):
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return nil, "", fmt.Errorf("decode image: %w", err)
		}
	case strings.HasPrefix(contentType, "video/"):
	default:
		return nil, "", fmt.Errorf("unsupported media type %q", contentType)
	}
	return data, contentType, nil
}

// sniffContentType trusts magic bytes first, then the declared header, then
// the URL extension.
func sniffContentType(data []byte, header, src string, declaredVideo bool) string {
	sniffed := http.DetectContentType(data)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	if sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "text/plain") {
		return sniffed
	}
	if mt, _, err := mime.ParseMediaType(header); err == nil && (strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "video/")) {
		return mt
	}
	if u, err := url.Parse(src); err == nil {
		if mt := mime.TypeByExtension(strings.ToLower(path.Ext(u.Path))); mt != "" {
			if i := strings.Index(mt, ";"); i >= 0 {
				mt = mt[:i]
			}
			return mt
		}
	}
	if declaredVideo {
		return "video/mp4"
	}
	return sniffed
}

func extensionFor(contentType string) string {
	if ext, ok := extensionsByType[contentType]; ok {
		return ext
	}
	return ".bin"
}

// directDownloadURL rewrites share links to their direct-download form for
// lockers that support one.
func directDownloadURL(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "drive.google.com":
		id := u.Query().Get("id")
		if m := driveFilePath.FindStringSubmatch(u.Path); m != nil {
			id = m[1]
		}
		if id != "" {
			return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(id)
		}
	case host == "dropbox.com" || strings.HasSuffix(host, ".dropbox.com"):
		cp := *u
		q := cp.Query()
		q.Set("dl", "1")
		cp.RawQuery = q.Encode()
		return cp.String()
	}
	return u.String()
}
