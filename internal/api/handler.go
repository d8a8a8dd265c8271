package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/consent"
	"github.com/nidhogg/ember/internal/engine"
	"github.com/nidhogg/ember/internal/presence"
	"github.com/nidhogg/ember/internal/render"
)

// OwnerTokenHeader carries the token returned at registration.
const OwnerTokenHeader = "X-Owner-Token"

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *engine.Engine
	presence presence.Subscriber
	origins  []string
	logger   *zap.Logger
}

// NewHandler creates a new API handler. An empty origins list allows any origin.
func NewHandler(eng *engine.Engine, origins []string, logger *zap.Logger) *Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{engine: eng, origins: origins, logger: logger}
}

// SetPresence enables the presence event stream. Without a subscriber the
// stream endpoint answers 503.
func (h *Handler) SetPresence(sub presence.Subscriber) {
	h.presence = sub
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", OwnerTokenHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/capabilities", h.capabilities)
		r.Get("/avatars", h.listAvatars)
		r.Post("/avatars", h.registerAvatar)

		r.Route("/avatars/{id}", func(r chi.Router) {
			r.Get("/", h.getAvatar)
			r.Get("/params", h.getParams)
			r.Get("/frame", h.getFrame)
			r.Get("/marks", h.listMarks)
			r.Get("/consent", h.listConsent)
			r.Get("/presence", h.streamPresence)

			// Owner routes
			r.Post("/stimulus", h.stimulate)
			r.Post("/idle", h.goIdle)
			r.Post("/wake", h.wake)
			r.Put("/policy", h.setPolicy)
			r.Delete("/marks", h.pruneMarks)
			r.Put("/visibility", h.setVisibility)
			r.Put("/style", h.setStyle)

			// External requests, gated by the CI's consent policy
			r.Post("/requests", h.requestChange)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"avatars": len(h.engine.Readers()),
	})
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": h.engine.Renderers().Capabilities(),
		"styles":       render.Styles(),
	})
}

func (h *Handler) listAvatars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.List())
}

func (h *Handler) registerAvatar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CIID string `json:"ci_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := h.engine.Register(r.Context(), req.CIID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, _ := h.engine.Snapshot(req.CIID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ci_id":       req.CIID,
		"owner_token": token,
		"snapshot":    snap,
	})
}

func (h *Handler) getAvatar(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) getParams(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	seed, err := parseSeed(r, snap.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.ParamsFor(snap, seed))
}

func (h *Handler) getFrame(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	seed, err := parseSeed(r, snap.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	format := render.Capability(r.URL.Query().Get("format"))
	if format == "" {
		format = render.Vector
	}

	frame, err := h.engine.RenderParams(r.Context(), format, h.engine.ParamsFor(snap, seed))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", frame.MediaType)
	w.Header().Set("X-Avatar-Version", strconv.FormatUint(snap.Version, 10))
	w.Header().Set("X-Avatar-Seed", strconv.FormatUint(seed, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(frame.Data)
}

func (h *Handler) listMarks(w http.ResponseWriter, r *http.Request) {
	marks, err := h.engine.Marks(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if marks == nil {
		marks = []avatar.HistoryMark{}
	}
	writeJSON(w, http.StatusOK, marks)
}

func (h *Handler) listConsent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, avatar.Errorf(avatar.CodeInputRange, "limit %q must be a non-negative integer", s))
			return
		}
		limit = n
	}
	recs, err := h.engine.ConsentLog(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []avatar.ConsentRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) stimulate(w http.ResponseWriter, r *http.Request) {
	var d avatar.Delta
	if !decodeBody(w, r, &d) {
		return
	}
	res, err := h.engine.Stimulate(r.Context(), chi.URLParam(r, "id"), ownerToken(r), d)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) goIdle(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GoIdle(r.Context(), chi.URLParam(r, "id"), ownerToken(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) wake(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Wake(r.Context(), chi.URLParam(r, "id"), ownerToken(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// policyRequest describes the consent hook an owner installs over HTTP.
type policyRequest struct {
	Mode       string                 `json:"mode"` // "deny_all", "grant_all", "allow_list" or "none"
	Requesters []string               `json:"requesters,omitempty"`
	Actions    []avatar.ConsentAction `json:"actions,omitempty"`
}

func (p policyRequest) policy() (consent.Policy, error) {
	switch p.Mode {
	case "none":
		return nil, nil
	case "deny_all":
		return consent.DenyAll, nil
	case "grant_all":
		return consent.Static(true), nil
	case "allow_list":
		for _, a := range p.Actions {
			if !a.Valid() {
				return nil, avatar.Errorf(avatar.CodeInputRange, "unknown action %q", a)
			}
		}
		return consent.NewAllowList(p.Requesters, p.Actions), nil
	case "":
		return nil, avatar.Errorf(avatar.CodeInputNull, "mode is required")
	}
	return nil, avatar.Errorf(avatar.CodeInputRange, "unknown policy mode %q", p.Mode)
}

func (h *Handler) setPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := req.policy()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.engine.SetPolicy(chi.URLParam(r, "id"), ownerToken(r), p); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "policy updated", "mode": req.Mode})
}

func (h *Handler) pruneMarks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	removed, err := h.engine.Prune(r.Context(), chi.URLParam(r, "id"), ownerToken(r), req.IDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (h *Handler) setVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visibility avatar.Visibility `json:"visibility"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := h.engine.SetVisibility(r.Context(), chi.URLParam(r, "id"), ownerToken(r), req.Visibility)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) setStyle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Style string `json:"style"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := h.engine.SetStyle(r.Context(), chi.URLParam(r, "id"), ownerToken(r), req.Style)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) requestChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID string               `json:"requester_id"`
		Action      avatar.ConsentAction `json:"action"`
		Style       string               `json:"style"`
		MarkIDs     []string             `json:"mark_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := h.engine.RequestChange(r.Context(), chi.URLParam(r, "id"), req.RequesterID, engine.Change{
		Action:  req.Action,
		Style:   req.Style,
		MarkIDs: req.MarkIDs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// streamPresence relays the CI's presence events as server-sent events
// until the client disconnects or the subscription ends.
func (h *Handler) streamPresence(w http.ResponseWriter, r *http.Request) {
	ciID := chi.URLParam(r, "id")
	if _, err := h.engine.Snapshot(ciID); err != nil {
		h.writeError(w, err)
		return
	}
	if h.presence == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "presence bus not configured",
			"code":  avatar.CodeProcessing,
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range h.presence.Subscribe(r.Context(), ciID) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("encode presence event", zap.String("ci", ciID), zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "event: presence\nid: %d\ndata: %s\n\n", ev.Version, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func ownerToken(r *http.Request) string {
	return r.Header.Get(OwnerTokenHeader)
}

// parseSeed reads ?seed=, defaulting to fallback.
func parseSeed(r *http.Request, fallback uint64) (uint64, error) {
	s := r.URL.Query().Get("seed")
	if s == "" {
		return fallback, nil
	}
	seed, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, avatar.Errorf(avatar.CodeInputRange, "seed %q must be an unsigned integer", s)
	}
	return seed, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("request body is required")
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": err.Error(),
		"code":  string(avatar.CodeInputNull),
	})
	return false
}

// statusFor maps a coded error to its HTTP status.
func statusFor(code avatar.Code) int {
	switch code {
	case avatar.CodeInputNull, avatar.CodeInputRange:
		return http.StatusBadRequest
	case avatar.CodeConsent:
		return http.StatusForbidden
	case avatar.CodeNotOwner:
		return http.StatusUnauthorized
	case avatar.CodeNotFound:
		return http.StatusNotFound
	case avatar.CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := avatar.CodeOf(err)
	status := statusFor(code)
	if code == "" {
		code = avatar.CodeProcessing
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}

	body := map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	}
	var ae *avatar.Error
	if errors.As(err, &ae) && len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
