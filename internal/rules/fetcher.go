package rules

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tunnelgateway/internal/logger"
)

const maxRuleListSize = 64 << 20

// Source describes where one named rule set comes from. Inline rules are
// used as-is and never fetched.
type Source struct {
	Name   string   `json:"name"`
	URL    string   `json:"url,omitempty"`
	Inline []string `json:"inline,omitempty"`
}

// Fetcher downloads rule lists and keeps an on-disk copy of the last good
// download so a failed refresh can fall back to it.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching into cacheDir. A nil client uses a
// client with a one minute timeout.
func NewFetcher(client *http.Client, cacheDir string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch returns the rule list for src. stale is true when the download
// failed and the cached copy was used instead; an error is returned only
// when neither is available.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (data []byte, stale bool, err error) {
	if len(src.Inline) > 0 {
		return []byte(strings.Join(src.Inline, "\n")), false, nil
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, false, fmt.Errorf("invalid rule source url %q: %w", src.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "file":
		data, err = os.ReadFile(u.Path)
		return data, false, err
	case "":
		data, err = os.ReadFile(src.URL)
		return data, false, err
	default:
		return nil, false, fmt.Errorf("unsupported rule source scheme %q", u.Scheme)
	}

	data, dlErr := f.download(ctx, src)
	if dlErr == nil {
		return data, false, nil
	}
	cached, cacheErr := os.ReadFile(f.cachePath(src))
	if cacheErr != nil {
		return nil, false, fmt.Errorf("download failed (%v) and no cached copy: %w", dlErr, cacheErr)
	}
	return cached, true, nil
}

func (f *Fetcher) cachePath(src Source) string {
	sum := sha1.Sum([]byte(src.URL))
	return filepath.Join(f.cacheDir, src.Name+"-"+hex.EncodeToString(sum[:6])+".list")
}

func (f *Fetcher) download(ctx context.Context, src Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRuleListSize))
	if err != nil {
		return nil, err
	}
	if f.cacheDir != "" {
		if err := f.replaceCache(src, data); err != nil {
			logger.Warn("Rule source %s: failed to cache download: %v", src.Name, err)
		}
	}
	return data, nil
}

// replaceCache writes data to a temp file and renames it over the cached
// copy so readers never see a partial file.
func (f *Fetcher) replaceCache(src Source, data []byte) error {
	if err := os.MkdirAll(f.cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create rule cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(f.cacheDir, src.Name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.cachePath(src))
}
