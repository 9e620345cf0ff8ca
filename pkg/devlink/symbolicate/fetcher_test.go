package symbolicate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceMapURL(t *testing.T) {
	tests := []struct {
		bundle string
		want   string
	}{
		{"http://localhost:8081/index.bundle?platform=ios&dev=true", "http://localhost:8081/index.map?platform=ios&dev=true"},
		{"http://10.0.2.2:8081/src/App.bundle", "http://10.0.2.2:8081/src/App.map"},
		{"https://example.test/index.js", "https://example.test/index.js"},
	}

	for _, tt := range tests {
		got, err := SourceMapURL(tt.bundle)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := SourceMapURL("http://[::1")
	assert.Error(t, err)
}

func TestHTTPFetcher(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.map", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ios", r.URL.Query().Get("platform"))
		w.Write([]byte(testSourceMap))
	})
	mux.HandleFunc("/index.bundle", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("__d(function(){})"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := NewHTTPFetcher(srv.Client())
	ctx := context.Background()

	data, err := fetcher.FetchSourceMap(ctx, srv.URL+"/index.bundle?platform=ios")
	require.NoError(t, err)
	assert.Equal(t, testSourceMap, string(data))

	data, err = fetcher.FetchSource(ctx, srv.URL+"/index.bundle?platform=ios")
	require.NoError(t, err)
	assert.Equal(t, "__d(function(){})", string(data))

	_, err = fetcher.FetchSourceMap(ctx, srv.URL+"/missing.bundle")
	assert.ErrorContains(t, err, "404")
}

func TestHTTPFetcherReadsLocalFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "App.js")
	require.NoError(t, os.WriteFile(path, []byte(appSource), 0o644))

	fetcher := NewHTTPFetcher(nil)
	data, err := fetcher.FetchSource(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, appSource, string(data))

	_, err = fetcher.FetchSource(context.Background(), filepath.Join(t.TempDir(), "missing.js"))
	assert.Error(t, err)
}

func TestSymbolicatorWithHTTPFetcher(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.map", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testSourceMap))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := NewHTTPFetcher(srv.Client())
	s, err := NewSymbolicator().WithSourceMapFetcher(fetcher).WithSourceFetcher(fetcher).Build()
	require.NoError(t, err)

	result, err := s.Process(context.Background(), []StackFrame{frame(srv.URL+"/index.bundle?platform=android", 1, 0, "a")})
	require.NoError(t, err)
	assert.Equal(t, frame("src/App.js", 1, 0, "render"), result.Stack[0])
	assert.Nil(t, result.CodeFrame)
}
