package tinycdn

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, string, string) {
	t.Helper()
	source := t.TempDir()
	dest := t.TempDir()

	cfg := Config{
		Source:      source,
		Dest:        dest,
		Compression: "best",
		Compress:    []string{"js", "css", "html"},
		ETag:        true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv, source, dest
}

func writeAsset(t *testing.T, root, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.Dir(name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o644))
}

func TestFirstGzipRequestMaterializesArtifactAndSidecar(t *testing.T) {
	srv, source, dest := newTestServer(t, nil)
	writeAsset(t, source, "app.js", "var x = 1;")

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	etag := rec.Header().Get("ETag")
	assert.Len(t, etag, 64)

	_, err := os.Stat(filepath.Join(dest, "app.js.gzip"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "app.js.gzip.sha256"))
	require.NoError(t, err)
}

func TestWarmRequestWithIfNoneMatchReturns304(t *testing.T) {
	srv, source, _ := newTestServer(t, nil)
	writeAsset(t, source, "app.js", "var x = 1;")

	first := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	first.Header.Set("Accept-Encoding", "gzip")
	firstRec := httptest.NewRecorder()
	srv.ServeHTTP(firstRec, first)
	etag := firstRec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	second := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	second.Header.Set("Accept-Encoding", "gzip")
	second.Header.Set("If-None-Match", etag)
	secondRec := httptest.NewRecorder()
	srv.ServeHTTP(secondRec, second)

	assert.Equal(t, http.StatusNotModified, secondRec.Code)
}

func TestConcurrentRequestsCoalesceToOneArtifactAndAgree(t *testing.T) {
	srv, source, dest := newTestServer(t, nil)
	writeAsset(t, source, "big.css", "body{color:red}")

	const n = 100
	var wg sync.WaitGroup
	codes := make([]int, n)
	etags := make([]string, n)
	bodies := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/big.css", nil)
			req.Header.Set("Accept-Encoding", "gzip")
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			codes[i] = rec.Code
			etags[i] = rec.Header().Get("ETag")
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, etags[0], etags[i])
		assert.Equal(t, bodies[0], bodies[i])
	}

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	gzipCount := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gzip" {
			gzipCount++
		}
	}
	assert.Equal(t, 1, gzipCount)
}

func TestNotFoundNegotiatesBodyByAcceptHeader(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	cases := []struct {
		accept      string
		contentType string
	}{
		{"text/html", "text/html"},
		{"application/json", "application/json"},
		{"text/plain", "text/plain"},
		{"", "text/plain"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/missing.txt", nil)
		req.Header.Set("Accept", tc.accept)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, tc.contentType, rec.Header().Get("Content-Type"))
	}
}

func TestDirectoryRequestIs404WhenAutoIndexDisabled(t *testing.T) {
	disabled := false
	srv, source, _ := newTestServer(t, func(c *Config) { c.AutoIndex = &disabled })
	require.NoError(t, os.MkdirAll(filepath.Join(source, "assets"), 0o755))

	req := httptest.NewRequest(http.MethodGet, "/assets/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirectoryRequestServesIndexWhenAutoIndexEnabled(t *testing.T) {
	srv, source, _ := newTestServer(t, nil)
	writeAsset(t, source, "assets/index.html", "<h1>hi</h1>")

	req := httptest.NewRequest(http.MethodGet, "/assets/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>hi</h1>", rec.Body.String())
}

func TestNonCompressibleExtensionIsAlwaysServedRaw(t *testing.T) {
	srv, source, dest := newTestServer(t, nil)
	writeAsset(t, source, "photo.png", "not-really-a-png")

	req := httptest.NewRequest(http.MethodGet, "/photo.png", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "not-really-a-png", rec.Body.String())

	_, err := os.Stat(filepath.Join(dest, "photo.png.gzip"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeflatePreferredOverRawWhenGzipAbsent(t *testing.T) {
	srv, source, _ := newTestServer(t, nil)
	writeAsset(t, source, "style.css", "body{}")

	req := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	req.Header.Set("Accept-Encoding", "deflate")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deflate", rec.Header().Get("Content-Encoding"))
}

func TestMissingSourceAssetIs404AndProducesNoArtifact(t *testing.T) {
	srv, _, dest := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/nope.js", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, err := os.Stat(filepath.Join(dest, "nope.js.gzip"))
	assert.True(t, os.IsNotExist(err))
}

func TestPathRuleOverridesDisableCompressionForPrefix(t *testing.T) {
	srv, source, dest := newTestServer(t, func(c *Config) {
		c.Rules = []ConfigRule{
			{Prefix: "/uncompressed/", Compress: []string{"css"}},
		}
	})
	writeAsset(t, source, "uncompressed/app.js", "var x = 1;")

	req := httptest.NewRequest(http.MethodGet, "/uncompressed/app.js", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	_, err := os.Stat(filepath.Join(dest, "uncompressed/app.js.gzip"))
	assert.True(t, os.IsNotExist(err))
}

func TestOnResponseAndOnErrorCallbacksFire(t *testing.T) {
	var responses int
	var errs int
	var heldWaiters int
	srv, source, _ := newTestServer(t, func(c *Config) {
		c.OnResponse = func(err error, url string) { responses++ }
		c.OnError = func(err error, url string, n int) { errs++; heldWaiters = n }
	})
	writeAsset(t, source, "ok.js", "1;")

	okReq := httptest.NewRequest(http.MethodGet, "/ok.js", nil)
	srv.ServeHTTP(httptest.NewRecorder(), okReq)
	assert.Equal(t, 1, responses)

	missReq := httptest.NewRequest(http.MethodGet, "/missing.js", nil)
	srv.ServeHTTP(httptest.NewRecorder(), missReq)
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, heldWaiters)
}

func TestContentLengthMatchesServedBody(t *testing.T) {
	srv, source, _ := newTestServer(t, nil)
	body := "hello world"
	writeAsset(t, source, "greeting.txt", body)

	req := httptest.NewRequest(http.MethodGet, "/greeting.txt", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.Itoa(len(body)), rec.Header().Get("Content-Length"))
	assert.Equal(t, body, rec.Body.String())
}
