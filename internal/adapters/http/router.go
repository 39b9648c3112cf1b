package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/config"
	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
	"github.com/kirillkom/passage-retrieval/internal/observability/metrics"
)

const serviceName = "api"

// DocumentService is the document read and admin surface.
type DocumentService interface {
	ports.DocumentReader
	ports.DocumentRemover
}

type Router struct {
	cfg     config.Config
	ingest  ports.DocumentIngestor
	search  ports.PassageSearcher
	docs    DocumentService
	stats   ports.StatsReader
	index   ports.IndexInspector
	metrics *metrics.HTTPServerMetrics
}

func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	search ports.PassageSearcher,
	docs DocumentService,
	stats ports.StatsReader,
	index ports.IndexInspector,
) *Router {
	return &Router{
		cfg:    cfg,
		ingest: ingest,
		search: search,
		docs:   docs,
		stats:  stats,
		index:  index,
	}
}

func (rt *Router) WithMetrics(m *metrics.HTTPServerMetrics) *Router {
	rt.metrics = m
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/documents", rt.uploadDocument)
	api.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	api.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	api.HandleFunc("POST /v1/search", rt.searchJSON)
	api.HandleFunc("GET /v1/search", rt.searchQuery)
	api.HandleFunc("GET /v1/stats", rt.getStats)
	api.HandleFunc("GET /v1/index", rt.getIndex)

	var guarded http.Handler = api
	guarded = backpressureMiddleware(guarded, rt.cfg.APIBackpressureMaxReqs, rt.cfg.APIBackpressureWait)
	guarded = rateLimitMiddleware(guarded, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/v1/", guarded)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = accessLogMiddleware(mux)
	handler = requestIDMiddleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadRequest struct {
	DocID    string          `json:"doc_id"`
	Filename string          `json:"filename"`
	Text     string          `json:"text"`
	Metadata domain.Metadata `json:"metadata"`
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.APIMaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.APIMaxUploadBytes)
	}

	var (
		req  uploadRequest
		kind string
		err  error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		kind = "multipart"
		req, err = rt.readMultipartUpload(r)
	case "application/json", "":
		kind = "json"
		err = json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			err = domain.WrapError(domain.ErrInvalidInput, "decode upload", err)
		}
	default:
		err = domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("unsupported content type %q", mediaType))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := rt.ingest.Ingest(r.Context(), domain.IngestRequest{
		DocID:    req.DocID,
		Filename: req.Filename,
		Text:     req.Text,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordIngest(serviceName, kind)
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) readMultipartUpload(r *http.Request) (uploadRequest, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return uploadRequest{}, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("multipart field 'file' is required"))
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return uploadRequest{}, domain.WrapError(domain.ErrInvalidInput, "read upload", err)
	}
	req := uploadRequest{
		DocID:    r.FormValue("doc_id"),
		Filename: header.Filename,
		Text:     string(raw),
	}
	if rawMeta := strings.TrimSpace(r.FormValue("metadata")); rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &req.Metadata); err != nil {
			return uploadRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode metadata", err)
		}
	}
	return req, nil
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.docs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.docs.Remove(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"doc_id": id, "status": "removed"})
}

type searchRequest struct {
	Query           string   `json:"query"`
	TopK            int      `json:"top_k"`
	MinScore        *float64 `json:"min_score"`
	IncludeMetadata bool     `json:"include_metadata"`
}

func (rt *Router) searchJSON(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode search", err))
		return
	}
	rt.runSearch(w, r, req)
}

func (rt *Router) searchQuery(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	req := searchRequest{Query: values.Get("q")}

	if raw := values.Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse top_k", err))
			return
		}
		req.TopK = n
	}
	if raw := values.Get("min_score"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
			err = fmt.Errorf("%q is not a finite number", raw)
		}
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse min_score", err))
			return
		}
		req.MinScore = &f
	}
	if raw := values.Get("include_metadata"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse include_metadata", err))
			return
		}
		req.IncludeMetadata = b
	}
	rt.runSearch(w, r, req)
}

func (rt *Router) runSearch(w http.ResponseWriter, r *http.Request, req searchRequest) {
	minScore := rt.cfg.SearchDefaultMinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	start := time.Now()
	resp, err := rt.search.Search(r.Context(), domain.SearchQuery{
		Text:            req.Query,
		TopK:            req.TopK,
		MinScore:        minScore,
		IncludeMetadata: req.IncludeMetadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSearch(serviceName, "http", resp.TotalResults, resp.Cached, time.Since(start))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) getStats(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.stats.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (rt *Router) getIndex(w http.ResponseWriter, r *http.Request) {
	info, err := rt.index.Info(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		status = http.StatusRequestEntityTooLarge
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"request_id": requestIDFromContext(r.Context()),
	})
}
