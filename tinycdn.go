// Package tinycdn implements a caching static-asset HTTP server: it
// serves files from a read-only source directory while lazily
// materializing, on first qualifying request, a write-through on-disk
// derivative cache of precompressed bodies and content-hash sidecars in
// a separate destination directory. Concurrent requests for the same
// asset and encoding are coalesced so each expensive filesystem
// operation runs at most once.
package tinycdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tinycdn/tinycdn/internal/converger"
	"github.com/tinycdn/tinycdn/internal/fsops"
	"github.com/tinycdn/tinycdn/internal/pathrules"
	"github.com/tinycdn/tinycdn/internal/singleflight"
)

const (
	groupRaw     = "raw"
	groupGzip    = "gzip"
	groupDeflate = "deflate"

	servedByHeader = "tinyCDN"
)

var errNotRegularFile = errors.New("tinycdn: target is not a regular file")

// Server is the request-coalescing derivative-cache engine: it
// implements http.Handler and owns every filesystem primitive, the hash
// and compression pipelines (via the Converger), and the request
// channel registry that makes concurrent requests for the same asset
// share one round of work.
type Server struct {
	cfg      Config
	resolved resolved
	fs       *fsops.Primitives
	conv     converger.Authority
	channels *singleflight.Registry[*waiter]
	logger   zerolog.Logger
	// listenerSem caps concurrent open-file streams at cfg.MaxListeners.
	// nil when MaxListeners is unset, meaning no cap.
	listenerSem *semaphore.Weighted
}

// New validates cfg, resolves it once, and constructs a Server ready to
// handle requests. It fails if the source or destination directories
// don't exist, or if clustering is misconfigured.
func New(cfg Config) (*Server, error) {
	r, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(r.sourceRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("tinycdn: source directory %q is not usable: %w", r.sourceRoot, err)
	}
	if info, err := os.Stat(r.destRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("tinycdn: dest directory %q is not usable: %w", r.destRoot, err)
	}

	fs := fsops.New()

	var lockDB *converger.ProducerLockDB
	if cfg.ClusterLockDB != "" {
		lockDB, err = converger.OpenProducerLockDB(cfg.ClusterLockDB)
		if err != nil {
			return nil, err
		}
	}

	conv, err := converger.New(converger.Config{
		Role:       r.clusterRole,
		SocketPath: cfg.ClusterSocketPath,
		LockDB:     lockDB,
	}, fs)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("source", r.sourceRoot).Str("dest", r.destRoot).Logger()

	s := &Server{
		cfg:      cfg,
		resolved: r,
		fs:       fs,
		conv:     conv,
		channels: singleflight.NewRegistry[*waiter](),
		logger:   logger,
	}
	if cfg.MaxListeners > 0 {
		s.listenerSem = semaphore.NewWeighted(int64(cfg.MaxListeners))
	}
	return s, nil
}

// waiter is a single (request, response) pair attached to a request
// channel. The leader runs the full pipeline and, via Remove, delivers
// the outcome to every waiter registered for the channel — including
// itself.
type waiter struct {
	w    http.ResponseWriter
	r    *http.Request
	done chan struct{}
}

// ServeHTTP implements the request state machine from intake through
// group selection; the rest of the pipeline runs in produceAndServe,
// invoked only by the channel leader.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cleanURL, dirRequest := sanitizeURL(r.URL.Path, s.resolved.autoIndex)
	if dirRequest {
		s.writeNotFound(w, r)
		return
	}

	rule := s.resolved.rules.Find(cleanURL)
	group := selectGroup(cleanURL, r.Header.Get("Accept-Encoding"), s.compressExtensionsFor(rule))
	channelKey := group + ":" + cleanURL

	wt := &waiter{w: w, r: r, done: make(chan struct{})}
	leader := s.channels.Add(channelKey, wt)
	if !leader {
		<-wt.done
		return
	}

	s.produceAndServe(channelKey, cleanURL, group, rule)
}

// compressExtensionsFor returns the compressible-extension set in
// effect for rule, falling back to the global set when the rule leaves
// CompressExtensions unset.
func (s *Server) compressExtensionsFor(rule *pathrules.Rule) map[string]bool {
	if rule == nil || rule.CompressExtensions == nil {
		if s.resolved.compressionEnabled {
			return s.resolved.compressExt
		}
		return nil
	}
	set := make(map[string]bool, len(rule.CompressExtensions))
	for _, e := range rule.CompressExtensions {
		set[e] = true
	}
	return set
}

func (s *Server) etagFor(rule *pathrules.Rule) (enabled bool, algorithm string) {
	if rule != nil && rule.ETagEnabled != nil {
		if !*rule.ETagEnabled {
			return false, ""
		}
		if rule.ETagAlgorithm != nil {
			return true, *rule.ETagAlgorithm
		}
		return true, s.resolved.etagAlgorithm
	}
	return s.resolved.etagEnabled, s.resolved.etagAlgorithm
}

func (s *Server) maxAgeFor(rule *pathrules.Rule) int {
	if rule != nil && rule.MaxAge != nil {
		return *rule.MaxAge
	}
	return s.resolved.maxAge
}

func (s *Server) corsOriginFor(rule *pathrules.Rule) string {
	if rule != nil && rule.AccessControlAllowOrigin != nil {
		return *rule.AccessControlAllowOrigin
	}
	return s.resolved.corsOrigin
}

// outcome carries everything produceAndServe learns about the asset
// before fanning results out to waiters. It is built once and shared
// read-only across every coalesced responder.
type outcome struct {
	target      string // the file actually streamed to clients
	contentType string
	stat        fsops.StatResult
	etag        string
	group       string
	headers     http.Header
}

// produceAndServe runs states 3 through 7 of the request state machine
// (target selection through serve) and is only ever invoked by a
// channel leader.
func (s *Server) produceAndServe(channelKey, cleanURL, group string, rule *pathrules.Rule) {
	sourcePath, destPath := s.assetPaths(cleanURL)
	target := sourcePath
	if group != groupRaw {
		target = destPath + "." + group
	}

	st, err := s.materialize(sourcePath, target, group)
	if err != nil {
		s.failChannel(channelKey, cleanURL, err)
		return
	}

	etagEnabled, etagAlgorithm := s.etagFor(rule)
	var etag string
	if etagEnabled {
		etag, err = s.etagPhase(destPath, target, group, etagAlgorithm)
		if err != nil {
			s.failChannel(channelKey, cleanURL, err)
			return
		}
	}

	out := &outcome{
		target:      target,
		contentType: contentTypeFor(cleanURL),
		stat:        st,
		etag:        etag,
		group:       group,
	}
	out.headers = s.buildHeaders(out, etagEnabled, rule)

	waiters := s.channels.Remove(channelKey)
	for _, wt := range waiters {
		s.serveOne(wt, out, etagEnabled)
		if s.cfg.OnResponse != nil {
			s.cfg.OnResponse(nil, cleanURL)
		}
	}
}

// materialize implements states 3-5: primary stat, and if the artifact
// is missing and the group is compressed, materialize-compressed
// followed by a re-stat.
func (s *Server) materialize(sourcePath, target, group string) (fsops.StatResult, error) {
	st, err := s.conv.Stat(target)
	if err == nil {
		if !st.IsFile {
			return fsops.StatResult{}, errNotRegularFile
		}
		return st, nil
	}
	if group == groupRaw {
		return fsops.StatResult{}, err
	}

	if _, srcErr := s.conv.Stat(sourcePath); srcErr != nil {
		return fsops.StatResult{}, srcErr
	}

	destRoot := s.resolved.destRoot
	if err := s.conv.MkdirAll(destRoot, target); err != nil {
		return fsops.StatResult{}, err
	}
	if err := s.conv.WriteStream(sourcePath, target, group, s.resolved.compressionLevel); err != nil {
		return fsops.StatResult{}, err
	}

	return s.conv.Stat(target)
}

// etagPhase implements state 6: reuse or produce the sidecar hash.
func (s *Server) etagPhase(destPath, target, group, algorithm string) (string, error) {
	sidecar := destPath + "." + group + "." + algorithm

	if data, err := s.conv.ReadFile(sidecar); err == nil {
		return string(data), nil
	}

	etag, err := s.conv.Hash(target, algorithm)
	if err != nil {
		return "", err
	}
	if err := s.conv.MkdirAll(s.resolved.destRoot, destPath); err != nil {
		return "", err
	}
	if err := s.conv.WriteFile(sidecar, []byte(etag)); err != nil {
		return "", err
	}
	return etag, nil
}

// buildHeaders assembles the response header set exactly once per
// serve; it is then shared read-only across every coalesced responder.
func (s *Server) buildHeaders(out *outcome, etagEnabled bool, rule *pathrules.Rule) http.Header {
	h := http.Header{}
	h.Set("Content-Type", out.contentType)
	h.Set("Content-Length", strconv.FormatInt(out.stat.Size, 10))
	h.Set("Last-Modified", out.stat.ModTime.UTC().Format(http.TimeFormat))
	h.Set("X-Served-By", servedByHeader)

	if etagEnabled && out.etag != "" {
		h.Set("ETag", out.etag)
		maxAge := s.maxAgeFor(rule)
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
		h.Set("Expires", time.Now().Add(time.Duration(maxAge)*time.Second).UTC().Format(http.TimeFormat))
	}
	if out.group != groupRaw {
		h.Set("Content-Encoding", out.group)
		h.Set("Vary", "Accept-Encoding")
	}
	if origin := s.corsOriginFor(rule); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	return h
}

// serveOne implements the per-responder half of state 7: write the
// shared header set, then either a 304 or a 200 with the body streamed
// from out.target.
func (s *Server) serveOne(wt *waiter, out *outcome, etagEnabled bool) {
	defer close(wt.done)

	dst := wt.w.Header()
	for k, v := range out.headers {
		dst[k] = v
	}

	if etagEnabled && out.etag != "" && wt.r.Header.Get("If-None-Match") == out.etag {
		wt.w.WriteHeader(http.StatusNotModified)
		return
	}

	s.acquireListenerSlot()
	defer s.releaseListenerSlot()

	f, err := os.Open(out.target)
	if err != nil {
		// The artifact existed moments ago when we stat'd it; losing
		// it between then and now is an operator-caused race this
		// layer can't recover from. Fail this one responder only —
		// others already have their own open attempt.
		wt.w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()

	wt.w.WriteHeader(http.StatusOK)
	io.Copy(wt.w, f)
}

func (s *Server) acquireListenerSlot() {
	if s.listenerSem != nil {
		s.listenerSem.Acquire(context.Background(), 1)
	}
}

func (s *Server) releaseListenerSlot() {
	if s.listenerSem != nil {
		s.listenerSem.Release(1)
	}
}

// failChannel fans a producer error out to every attached responder as
// a 404: every production failure, regardless of cause, collapses to
// the same client-facing not-found response.
func (s *Server) failChannel(channelKey, cleanURL string, cause error) {
	waiters := s.channels.Remove(channelKey)
	if s.cfg.OnError != nil {
		s.cfg.OnError(cause, cleanURL, len(waiters))
	}
	s.logger.Debug().Err(cause).Str("url", cleanURL).Msg("producer failed, serving 404 to all waiters")
	for _, wt := range waiters {
		s.writeNotFound(wt.w, wt.r)
		close(wt.done)
	}
}

// writeNotFound negotiates a 404 body by Accept header.
func (s *Server) writeNotFound(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, s.resolved.notFoundHTML)
	case strings.Contains(accept, "application/json"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, s.resolved.notFoundJSON)
	default:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, s.resolved.notFoundText)
	}
}

// Close releases resources held by the Converger (an IPC listener under
// RoleMaster, nothing under RoleNone/RoleWorker).
func (s *Server) Close() error {
	return s.conv.Close()
}

// sanitizeURL rewrites a trailing slash to /index.html when autoIndex
// is on, and reports a directory request when it's off. The query
// string is already stripped by net/http into URL.Path.
func sanitizeURL(path string, autoIndex bool) (cleanURL string, dirRequest bool) {
	if strings.HasSuffix(path, "/") {
		if !autoIndex {
			return path, true
		}
		return path + "index.html", false
	}
	return path, false
}

// assetPaths maps a cleaned URL to the source and destination
// filesystem paths, translating "/" to the platform separator.
func (s *Server) assetPaths(cleanURL string) (sourcePath, destPath string) {
	rel := filepath.FromSlash(strings.TrimPrefix(cleanURL, "/"))
	return filepath.Join(s.resolved.sourceRoot, rel), filepath.Join(s.resolved.destRoot, rel)
}

// selectGroup picks the encoding group: gzip beats deflate beats raw,
// but only for compressible extensions; Accept-Encoding is matched by
// substring, not q-values.
func selectGroup(cleanURL, acceptEncoding string, compressible map[string]bool) string {
	if compressible == nil {
		return groupRaw
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(cleanURL), "."))
	if !compressible[ext] {
		return groupRaw
	}
	if strings.Contains(acceptEncoding, "gzip") {
		return groupGzip
	}
	if strings.Contains(acceptEncoding, "deflate") {
		return groupDeflate
	}
	return groupRaw
}

// contentTypeFor maps a URL's extension to a MIME type, falling back
// to a generic binary type when the extension is unknown.
func contentTypeFor(cleanURL string) string {
	ext := filepath.Ext(cleanURL)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
