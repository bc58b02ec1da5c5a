// Package httpapi exposes a pool over a small HTTP+JSON surface. Uploads
// default to fire-and-forget: the body is spooled, a detached ingestion
// is started, and the caller polls the returned status URL; ?sync=1 keeps
// the classic blocking behavior. Downloads decrypt inline unless ?raw=1
// asks for the stored ciphertext.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/filepool/pkg/ident"
	"github.com/jacktea/filepool/pkg/journal"
	"github.com/jacktea/filepool/pkg/pool"
	"github.com/jacktea/filepool/pkg/server/middleware"
	"github.com/jacktea/filepool/pkg/stats"
	"github.com/jacktea/filepool/pkg/worker"
	"github.com/jacktea/filepool/pkg/xerrors"
)

// Server serves one pool.
type Server struct {
	Pool *pool.Pool
	// Journal, when set, records async upload outcomes for status polls.
	Journal *journal.Journal
	Log     *zap.Logger
	Opts    Options

	statsMu      sync.Mutex
	statsAt      time.Time
	statsSummary stats.Summary

	async sync.WaitGroup
}

// Options configure auth, rate limiting and caching.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// StatsTTL caches stat summaries so polling dashboards do not
	// trigger a full tree walk per request. Zero disables the cache.
	StatsTTL time.Duration
	// MaxUploadBytes caps upload bodies; zero means unlimited.
	MaxUploadBytes int64
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	return srv.ListenAndServe()
}

// Drain waits for async upload bookkeeping to settle. Call after the
// pool's own task group has been drained.
func (s *Server) Drain() { s.async.Wait() }

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/blobs", s.handleBlobs)
	mux.HandleFunc("/blobs/", s.handleBlob)
	mux.HandleFunc("/ops", s.handleOps)
	mux.HandleFunc("/stats", s.handleStats)
	return s.applyMiddleware(mux)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	chain := []middleware.HTTPMiddleware{
		middleware.Recovery(s.Log),
		middleware.RequestLog(s.Log),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	}
	return middleware.Wrap(handler, chain...)
}

func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body := io.Reader(r.Body)
	if s.Opts.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.Opts.MaxUploadBytes)
	}
	if boolParam(r, "sync") {
		s.uploadSync(w, r, body)
		return
	}
	s.uploadAsync(w, r, body)
}

// uploadSync blocks until the entry is placed.
func (s *Server) uploadSync(w http.ResponseWriter, r *http.Request, body io.Reader) {
	id, task := s.Pool.AddStream(body)
	if err := task.Wait(r.Context()); err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Location", "/blobs/"+string(id))
	writeJSON(w, http.StatusCreated, uploadResponse{ID: string(id), State: string(journal.StateComplete)})
}

// uploadAsync spools the body, fires a detached ingestion and returns
// 202. The request body cannot outlive the handler, so the spool file
// carries the bytes until the background task has consumed them.
func (s *Server) uploadAsync(w http.ResponseWriter, r *http.Request, body io.Reader) {
	spool, err := spoolBody(body)
	if err != nil {
		httpError(w, err)
		return
	}
	id, task, err := s.Pool.AddDetached(spool)
	if err != nil {
		os.Remove(spool)
		httpError(w, err)
		return
	}
	s.trackAsync(id, task, spool)
	resp := uploadResponse{ID: string(id), State: string(journal.StatePending)}
	if s.Journal != nil {
		resp.StatusURL = "/blobs/" + string(id) + "/status"
	}
	w.Header().Set("Location", "/blobs/"+string(id))
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) trackAsync(id ident.ID, task *worker.Task, spool string) {
	if s.Journal != nil {
		if err := s.Journal.Begin(string(id), "add"); err != nil && s.Log != nil {
			s.Log.Warn("journal begin failed", zap.String("id", string(id)), zap.Error(err))
		}
	}
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		err := task.Wait(context.Background())
		os.Remove(spool)
		if s.Journal == nil {
			return
		}
		if err != nil {
			err = s.Journal.Fail(string(id), err)
		} else {
			err = s.Journal.Complete(string(id))
		}
		if err != nil && s.Log != nil {
			s.Log.Warn("journal update failed", zap.String("id", string(id)), zap.Error(err))
		}
	}()
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/blobs/")
	name, sub, _ := strings.Cut(rest, "/")
	id := ident.ID(name)

	switch sub {
	case "":
	case "status":
		s.serveStatus(w, r, id)
		return
	case "info":
		s.serveInfo(w, r, id)
		return
	default:
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.serveBlob(w, r, id)
	case http.MethodHead:
		s.headBlob(w, r, id)
	case http.MethodDelete:
		if err := s.Pool.Remove(r.Context(), id); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, id ident.ID) {
	decrypt := !boolParam(r, "raw")
	rc, err := s.Pool.Open(r.Context(), id, decrypt)
	if err != nil {
		httpError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil && s.Log != nil {
		s.Log.Warn("blob download aborted", zap.String("id", string(id)), zap.Error(err))
	}
}

func (s *Server) headBlob(w http.ResponseWriter, r *http.Request, id ident.ID) {
	exists, err := s.Pool.Exists(id)
	if err != nil {
		httpError(w, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	encrypted, err := s.Pool.Encrypted(id)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("X-Encrypted", strconv.FormatBool(encrypted))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveInfo(w http.ResponseWriter, r *http.Request, id ident.ID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	exists, err := s.Pool.Exists(id)
	if err != nil {
		httpError(w, err)
		return
	}
	encrypted := false
	if exists {
		if encrypted, err = s.Pool.Encrypted(id); err != nil {
			httpError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, blobInfo{ID: string(id), Exists: exists, Encrypted: encrypted})
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request, id ident.ID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Journal == nil {
		http.Error(w, "status tracking disabled", http.StatusNotFound)
		return
	}
	rec, err := s.Journal.Get(string(id))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Journal == nil {
		http.Error(w, "status tracking disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	recs, err := s.Journal.Recent(limit)
	if err != nil {
		httpError(w, err)
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, struct {
		Operations []journal.Record `json:"operations"`
	}{recs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	summary, err := s.cachedStats(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Entries:     summary.Entries,
		TotalBytes:  summary.TotalBytes,
		MedianBytes: summary.MedianBytes,
		Newest:      summary.Newest,
	})
}

// cachedStats serves the last summary while it is younger than StatsTTL.
func (s *Server) cachedStats(ctx context.Context) (stats.Summary, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.Opts.StatsTTL > 0 && !s.statsAt.IsZero() && time.Since(s.statsAt) < s.Opts.StatsTTL {
		return s.statsSummary, nil
	}
	summary, err := s.Pool.Stat(ctx)
	if err != nil {
		return stats.Summary{}, err
	}
	s.statsSummary = summary
	s.statsAt = time.Now()
	return summary, nil
}

type uploadResponse struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	StatusURL string `json:"status_url,omitempty"`
}

type blobInfo struct {
	ID        string `json:"id"`
	Exists    bool   `json:"exists"`
	Encrypted bool   `json:"encrypted"`
}

type statsResponse struct {
	Entries     int       `json:"entries"`
	TotalBytes  int64     `json:"total_bytes"`
	MedianBytes float64   `json:"median_bytes"`
	Newest      time.Time `json:"newest,omitempty"`
}

func spoolBody(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func boolParam(r *http.Request, key string) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalidID, xerrors.KindConfig:
		status = http.StatusBadRequest
	case xerrors.KindNotFound, xerrors.KindSourceMissing:
		status = http.StatusNotFound
	case xerrors.KindFilesystem, xerrors.KindSecret, xerrors.KindInternal:
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}
