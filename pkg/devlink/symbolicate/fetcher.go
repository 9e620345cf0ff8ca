package symbolicate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// maxFetchSize caps a single fetched source map or source file.
const maxFetchSize = 256 << 20

// HTTPFetcher fetches source maps and bundle text from the dev server over
// HTTP, and other sources from the local filesystem.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns an HTTPFetcher using client, or http.DefaultClient if nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// SourceMapURL derives the source map URL of a bundle URL by replacing
// ".bundle" with ".map" in its path. The query is kept, since it selects the
// platform and build options the map must match.
func SourceMapURL(bundleURL string) (string, error) {
	u, err := url.Parse(bundleURL)
	if err != nil {
		return "", fmt.Errorf("invalid bundle URL %q: %w", bundleURL, err)
	}
	u.Path = strings.Replace(u.Path, ".bundle", ".map", 1)
	u.RawPath = ""
	return u.String(), nil
}

// FetchSourceMap fetches the source map belonging to the bundle at file.
func (f *HTTPFetcher) FetchSourceMap(ctx context.Context, file string) ([]byte, error) {
	mapURL, err := SourceMapURL(file)
	if err != nil {
		return nil, err
	}
	return f.get(ctx, mapURL)
}

// FetchSource fetches http(s) references over HTTP and reads anything else
// from the filesystem.
func (f *HTTPFetcher) FetchSource(ctx context.Context, file string) ([]byte, error) {
	if candidateFile.MatchString(file) {
		return f.get(ctx, file)
	}
	return os.ReadFile(file)
}

func (f *HTTPFetcher) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
}
