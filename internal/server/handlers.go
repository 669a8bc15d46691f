package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/hsn0918/serptrack/internal/bulk"
	"github.com/hsn0918/serptrack/internal/clients/base"
	"github.com/hsn0918/serptrack/internal/config"
	"github.com/hsn0918/serptrack/internal/logger"
	"github.com/hsn0918/serptrack/internal/pool"
	"github.com/hsn0918/serptrack/internal/serp"
)

// RankingStore persists finished lookups.
type RankingStore interface {
	SaveRanking(ctx context.Context, r *serp.RankingRecord) error
}

// Handler 对外 HTTP 门面：查询规范化、错误映射与结果落库都在这一层。
type Handler struct {
	pool     *pool.Manager
	executor *bulk.Executor
	store    RankingStore
	cfg      config.Config
	log      *slog.Logger
}

func NewHandler(p *pool.Manager, executor *bulk.Executor, store RankingStore, cfg config.Config) *Handler {
	return &Handler{
		pool:     p,
		executor: executor,
		store:    store,
		cfg:      cfg,
		log:      logger.Get().With("component", "http"),
	}
}

// Routes mounts all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/track", h.handleTrack)
	mux.HandleFunc("GET /v1/pool/stats", h.handlePoolStats)
	mux.HandleFunc("GET /v1/credentials", h.handleListCredentials)
	mux.HandleFunc("POST /v1/credentials", h.handleAddCredential)
	mux.HandleFunc("PUT /v1/credentials/{id}", h.handleUpdateCredential)
	mux.HandleFunc("DELETE /v1/credentials/{id}", h.handleDeleteCredential)
	mux.HandleFunc("POST /v1/credentials/{id}/test", h.handleTestCredential)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

// handleTrack serves both single and bulk lookups: a one-keyword request
// collapses onto the single path with its richer response shape.
func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if !h.decode(w, r, &req) {
		return
	}
	keywords, opts, err := req.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), string(base.KindInvalidRequest))
		return
	}

	if len(keywords) == 1 {
		h.trackSingle(w, r, keywords[0], opts)
		return
	}
	if r.URL.Query().Get("stream") == "true" {
		h.trackBulkStream(w, r, keywords, opts)
		return
	}
	h.trackBulk(w, r, keywords, opts)
}

func (h *Handler) trackSingle(w http.ResponseWriter, r *http.Request, keyword string, opts serp.Options) {
	rec, err := h.pool.Track(r.Context(), keyword, opts)
	if err != nil {
		kind := pool.KindOf(err)
		h.log.Warn("lookup failed", "keyword", keyword, "kind", string(kind), "error", err)
		writeError(w, statusFor(kind), err.Error(), string(kind))
		return
	}

	h.persist(r.Context(), rec)
	stats := h.pool.Stats()
	writeJSON(w, http.StatusOK, TrackResponse{
		Record:    rec,
		Insights:  buildInsights(rec),
		PoolStats: &stats,
	})
}

func (h *Handler) trackBulk(w http.ResponseWriter, r *http.Request, keywords []string, opts serp.Options) {
	res := h.executor.Execute(r.Context(), keywords, opts, nil)
	for _, item := range res.Items {
		h.persist(r.Context(), item.Record)
	}
	writeJSON(w, http.StatusOK, h.bulkResponse(res))
}

// trackBulkStream emits newline-delimited progress events followed by the
// final result object.
func (h *Handler) trackBulkStream(w http.ResponseWriter, r *http.Request, keywords []string, opts serp.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.trackBulk(w, r, keywords, opts)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	progress := make(chan bulk.Progress, 16)
	done := make(chan *bulk.Result, 1)
	go func() {
		done <- h.executor.Execute(r.Context(), keywords, opts, progress)
	}()

	enc := func(v any) {
		line, err := sonic.Marshal(v)
		if err != nil {
			return
		}
		w.Write(line)
		io.WriteString(w, "\n")
		flusher.Flush()
	}

	for p := range progress {
		enc(map[string]any{"type": "progress", "progress": p})
	}
	res := <-done
	for _, item := range res.Items {
		h.persist(r.Context(), item.Record)
	}
	enc(map[string]any{"type": "result", "result": h.bulkResponse(res)})
}

func (h *Handler) bulkResponse(res *bulk.Result) BulkTrackResponse {
	out := BulkTrackResponse{Summary: res.Summary}
	for _, item := range res.Items {
		out.Items = append(out.Items, BulkItem{
			ItemResult: item,
			Insights:   buildInsights(item.Record),
		})
	}
	return out
}

func (h *Handler) persist(ctx context.Context, rec *serp.RankingRecord) {
	if rec == nil || h.store == nil {
		return
	}
	if err := h.store.SaveRanking(ctx, rec); err != nil {
		h.log.Warn("persist ranking failed", "record_id", rec.ID, "error", err)
	}
}

func (h *Handler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds := h.pool.Credentials()
	out := make([]pool.CredentialStats, 0, len(creds))
	for _, c := range creds {
		out = append(out, pool.CredentialStats{
			ID:           c.ID,
			Provider:     c.Provider,
			MaskedSecret: c.MaskedSecret(),
			Origin:       c.Origin,
			Status:       c.Status,
			DailyUsed:    c.DailyUsed,
			DailyLimit:   c.DailyLimit,
			MonthlyUsed:  c.MonthlyUsed,
			MonthlyLimit: c.MonthlyLimit,
			SuccessScore: c.SuccessScore,
			ErrorCount:   c.ErrorCount,
			LastUsedAt:   c.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if !h.decode(w, r, &req) {
		return
	}

	provider := serp.Provider(strings.ToLower(req.Provider))
	if provider != serp.ProviderNativeSERP && provider != serp.ProviderCustomSearch {
		writeError(w, http.StatusBadRequest, "provider must be native_serp or custom_search", string(base.KindInvalidRequest))
		return
	}

	daily := h.cfg.SerpAPI.DefaultDailyLimit
	monthly := h.cfg.SerpAPI.DefaultMonthlyLimit
	if provider == serp.ProviderCustomSearch {
		daily = h.cfg.CustomSearch.DefaultDailyLimit
		monthly = h.cfg.CustomSearch.DefaultMonthlyLimit
	}
	if req.DailyLimit != nil {
		daily = *req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		monthly = *req.MonthlyLimit
	}

	cred, err := h.pool.AddCredential(r.Context(), provider, req.Secret, req.EngineID, daily, monthly)
	if err != nil {
		status := http.StatusBadRequest
		if err == pool.ErrDuplicateSecret {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (h *Handler) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if !h.decode(w, r, &req) {
		return
	}

	var status *pool.Status
	if req.Status != "" {
		s := pool.Status(req.Status)
		switch s {
		case pool.StatusActive, pool.StatusDisabled:
			status = &s
		default:
			writeError(w, http.StatusBadRequest, "status may only be set to active or disabled", string(base.KindInvalidRequest))
			return
		}
	}

	cred, err := h.pool.UpdateCredential(r.Context(), r.PathValue("id"), req.DailyLimit, req.MonthlyLimit, req.Priority, status)
	if err != nil {
		writeError(w, credentialErrStatus(err), err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (h *Handler) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.RemoveCredential(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, credentialErrStatus(err), err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTestCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.TestCredential(r.Context(), r.PathValue("id")); err != nil {
		if err == pool.ErrCredentialNotFound {
			writeError(w, http.StatusNotFound, err.Error(), "")
			return
		}
		kind := pool.KindOf(err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "kind": string(kind), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.pool.Stats()
	status := http.StatusOK
	if stats.Health == pool.HealthCritical && stats.Total > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      string(stats.Health),
		"credentials": stats.Total,
		"available":   stats.Available,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", string(base.KindInvalidRequest))
		return false
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", string(base.KindInvalidRequest))
		return false
	}
	return true
}

func credentialErrStatus(err error) int {
	if err == pool.ErrCredentialNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// statusFor maps a failure kind onto the HTTP status of the facade.
func statusFor(kind base.Kind) int {
	switch kind {
	case base.KindInvalidRequest:
		return http.StatusBadRequest
	case base.KindUnauthorized:
		return http.StatusUnauthorized
	case base.KindQuotaExceeded, base.KindAllExhausted:
		return http.StatusServiceUnavailable
	case base.KindRateLimited:
		return http.StatusTooManyRequests
	case base.KindTimeout:
		return http.StatusGatewayTimeout
	case base.KindNetworkError:
		return http.StatusBadGateway
	case base.KindParseError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
