package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/engine"
	"github.com/nidhogg/ember/internal/presence"
	"github.com/nidhogg/ember/internal/visual"
)

// newTestHandler creates a Handler over an in-memory engine (no database).
func newTestHandler(t *testing.T) (*Handler, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	eng := engine.New(engine.DefaultConfig(), nil, logger)
	h := NewHandler(eng, nil, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return h, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(OwnerTokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	return doJSON(t, ts, http.MethodPost, path, "", body)
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, b)
	}
}

type errorBody struct {
	Error string      `json:"error"`
	Code  avatar.Code `json:"code"`
}

func expectError(t *testing.T, resp *http.Response, status int, code avatar.Code) {
	t.Helper()
	if resp.StatusCode != status {
		t.Errorf("expected %d, got %d", status, resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, body.Code, body.Error)
	}
}

// registerCI registers ciID and returns its owner token.
func registerCI(t *testing.T, ts *httptest.Server, ciID string) string {
	t.Helper()
	resp := postJSON(t, ts, "/api/avatars", map[string]string{"ci_id": ciID})
	expectStatus(t, resp, http.StatusCreated)
	var out struct {
		CIID       string `json:"ci_id"`
		OwnerToken string `json:"owner_token"`
	}
	decodeJSON(t, resp, &out)
	if out.OwnerToken == "" || out.CIID != ciID {
		t.Fatalf("bad register response %+v", out)
	}
	return out.OwnerToken
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestCapabilities(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := getJSON(t, ts, "/api/capabilities")
	var body struct {
		Capabilities []string `json:"capabilities"`
		Styles       []string `json:"styles"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Capabilities) != 3 || len(body.Styles) == 0 {
		t.Errorf("unexpected capabilities %+v", body)
	}
}

func TestRegisterAndGet(t *testing.T) {
	_, ts := newTestHandler(t)
	registerCI(t, ts, "ci-1")

	resp := postJSON(t, ts, "/api/avatars", map[string]string{"ci_id": "ci-1"})
	expectError(t, resp, http.StatusConflict, avatar.CodeConflict)

	resp = postJSON(t, ts, "/api/avatars", map[string]string{})
	expectError(t, resp, http.StatusBadRequest, avatar.CodeInputNull)

	resp = getJSON(t, ts, "/api/avatars/ci-1")
	expectStatus(t, resp, http.StatusOK)
	var snap avatar.Snapshot
	decodeJSON(t, resp, &snap)
	if snap.CIID != "ci-1" || snap.State.Mode != avatar.ModeActive {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	resp = getJSON(t, ts, "/api/avatars/ghost")
	expectError(t, resp, http.StatusNotFound, avatar.CodeNotFound)

	resp = getJSON(t, ts, "/api/avatars")
	var list []avatar.Snapshot
	decodeJSON(t, resp, &list)
	if len(list) != 1 {
		t.Errorf("expected 1 avatar, got %d", len(list))
	}
}

func TestStimulusRequiresOwner(t *testing.T) {
	_, ts := newTestHandler(t)
	token := registerCI(t, ts, "ci-1")

	resp := doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/stimulus", "", avatar.Delta{Engagement: 0.5})
	expectError(t, resp, http.StatusUnauthorized, avatar.CodeNotOwner)

	resp = doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/stimulus", token, avatar.Delta{Engagement: 0.5})
	expectStatus(t, resp, http.StatusOK)
	var res engine.StimulusResult
	decodeJSON(t, resp, &res)
	if res.Snapshot.State.Engagement != 0.5 {
		t.Errorf("engagement = %v", res.Snapshot.State.Engagement)
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/stimulus", token, avatar.Delta{Engagement: 9})
	expectError(t, resp, http.StatusBadRequest, avatar.CodeInputRange)

	resp = doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/stimulus", token, nil)
	expectError(t, resp, http.StatusBadRequest, avatar.CodeInputNull)
}

func TestParamsAndBrightness(t *testing.T) {
	_, ts := newTestHandler(t)
	token := registerCI(t, ts, "ci-1")

	resp := getJSON(t, ts, "/api/avatars/ci-1/params?seed=5")
	var p visual.Params
	decodeJSON(t, resp, &p)
	if p.Brightness < 0.3-1e-9 || p.Brightness > 0.3+1e-9 {
		t.Errorf("brightness at rest = %v, want 0.3", p.Brightness)
	}
	if p.Seed != 5 {
		t.Errorf("seed = %d", p.Seed)
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/stimulus", token, avatar.Delta{Engagement: 1})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/avatars/ci-1/params?seed=5")
	decodeJSON(t, resp, &p)
	if p.Brightness < 1-1e-9 {
		t.Errorf("brightness at full engagement = %v, want 1", p.Brightness)
	}

	resp = getJSON(t, ts, "/api/avatars/ci-1/params?seed=-1")
	expectError(t, resp, http.StatusBadRequest, avatar.CodeInputRange)
}

func TestFrameFormats(t *testing.T) {
	_, ts := newTestHandler(t)
	registerCI(t, ts, "ci-1")

	resp := getJSON(t, ts, "/api/avatars/ci-1/frame?format=raster&seed=1")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("raster content type = %s", ct)
	}
	if _, err := png.Decode(resp.Body); err != nil {
		t.Errorf("raster frame is not a PNG: %v", err)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/avatars/ci-1/frame?format=vector")
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "<svg") {
		t.Errorf("vector frame is not SVG: %.80s", b)
	}

	resp = getJSON(t, ts, "/api/avatars/ci-1/frame?format=realtime")
	expectStatus(t, resp, http.StatusOK)
	var scene map[string]interface{}
	decodeJSON(t, resp, &scene)
	if len(scene) == 0 {
		t.Error("empty realtime scene")
	}

	resp = getJSON(t, ts, "/api/avatars/ci-1/frame?format=hologram")
	expectError(t, resp, http.StatusInternalServerError, avatar.CodeProcessing)
}

func TestHideRequestWithoutConsent(t *testing.T) {
	_, ts := newTestHandler(t)
	token := registerCI(t, ts, "ci-1")

	resp := doJSON(t, ts, http.MethodPut, "/api/avatars/ci-1/policy", token, map[string]string{"mode": "deny_all"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/avatars/ci-1/requests", map[string]string{
		"requester_id": "operator",
		"action":       "hide",
	})
	expectError(t, resp, http.StatusForbidden, avatar.CodeConsent)

	resp = getJSON(t, ts, "/api/avatars/ci-1")
	var snap avatar.Snapshot
	decodeJSON(t, resp, &snap)
	if snap.State.Visibility != avatar.Visible || snap.Version != 0 {
		t.Errorf("denied request mutated avatar: %+v", snap)
	}

	resp = getJSON(t, ts, "/api/avatars/ci-1/consent")
	var recs []avatar.ConsentRecord
	decodeJSON(t, resp, &recs)
	if len(recs) != 1 || recs[0].Granted {
		t.Errorf("unexpected consent log %+v", recs)
	}
}

func TestAllowListPolicy(t *testing.T) {
	_, ts := newTestHandler(t)
	token := registerCI(t, ts, "ci-1")

	resp := doJSON(t, ts, http.MethodPut, "/api/avatars/ci-1/policy", "", map[string]string{"mode": "grant_all"})
	expectError(t, resp, http.StatusUnauthorized, avatar.CodeNotOwner)

	resp = doJSON(t, ts, http.MethodPut, "/api/avatars/ci-1/policy", token, map[string]string{"mode": "sometimes"})
	expectError(t, resp, http.StatusBadRequest, avatar.CodeInputRange)

	resp = doJSON(t, ts, http.MethodPut, "/api/avatars/ci-1/policy", token, map[string]interface{}{
		"mode":       "allow_list",
		"requesters": []string{"curator"},
		"actions":    []string{"set_style"},
	})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/avatars/ci-1/requests", map[string]string{
		"requester_id": "curator",
		"action":       "set_style",
		"style":        "tidepool",
	})
	expectStatus(t, resp, http.StatusOK)
	var snap avatar.Snapshot
	decodeJSON(t, resp, &snap)
	if snap.State.Style != "tidepool" {
		t.Errorf("style = %s", snap.State.Style)
	}

	resp = postJSON(t, ts, "/api/avatars/ci-1/requests", map[string]string{
		"requester_id": "curator",
		"action":       "hide",
	})
	expectError(t, resp, http.StatusForbidden, avatar.CodeConsent)
}

func TestOwnerVisibilityStyleIdle(t *testing.T) {
	_, ts := newTestHandler(t)
	token := registerCI(t, ts, "ci-1")

	resp := doJSON(t, ts, http.MethodPut, "/api/avatars/ci-1/visibility", token, map[string]string{"visibility": "hidden"})
	expectStatus(t, resp, http.StatusOK)
	var snap avatar.Snapshot
	decodeJSON(t, resp, &snap)
	if snap.State.Visibility != avatar.Hidden {
		t.Errorf("visibility = %s", snap.State.Visibility)
	}

	resp = doJSON(t, ts, http.MethodPut, "/api/avatars/ci-1/visibility", token, map[string]string{"visibility": "ghostly"})
	expectError(t, resp, http.StatusBadRequest, avatar.CodeInputRange)

	resp = doJSON(t, ts, http.MethodPut, "/api/avatars/ci-1/style", token, map[string]string{"style": "monochrome"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/idle", token, nil)
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &snap)
	if snap.State.Mode != avatar.ModeEmber {
		t.Errorf("mode = %s", snap.State.Mode)
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/wake", token, nil)
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &snap)
	if snap.State.Mode != avatar.ModeActive {
		t.Errorf("mode = %s", snap.State.Mode)
	}
}

func TestMarksAndPrune(t *testing.T) {
	_, ts := newTestHandler(t)
	token := registerCI(t, ts, "ci-1")

	for _, d := range []float64{0.5, 0.5, -0.5} {
		resp := doJSON(t, ts, http.MethodPost, "/api/avatars/ci-1/stimulus", token, avatar.Delta{Engagement: d})
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := getJSON(t, ts, "/api/avatars/ci-1/marks")
	var marks []avatar.HistoryMark
	decodeJSON(t, resp, &marks)
	if len(marks) != 1 {
		t.Fatalf("expected 1 mark, got %d", len(marks))
	}

	resp = doJSON(t, ts, http.MethodDelete, "/api/avatars/ci-1/marks", token, map[string][]string{"ids": {"unknown"}})
	expectError(t, resp, http.StatusNotFound, avatar.CodeNotFound)

	resp = doJSON(t, ts, http.MethodDelete, "/api/avatars/ci-1/marks", token, map[string][]string{"ids": {marks[0].ID}})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/avatars/ci-1/marks")
	decodeJSON(t, resp, &marks)
	if len(marks) != 0 {
		t.Errorf("expected no marks after prune, got %d", len(marks))
	}
}

type stubPresence struct {
	events     []presence.Event
	subscribed chan string
}

func (s *stubPresence) Subscribe(_ context.Context, ciID string) <-chan presence.Event {
	s.subscribed <- ciID
	ch := make(chan presence.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestPresenceStream(t *testing.T) {
	h, ts := newTestHandler(t)
	registerCI(t, ts, "ci-stream")

	// No bus configured yet.
	resp := getJSON(t, ts, "/api/avatars/ci-stream/presence")
	expectError(t, resp, http.StatusServiceUnavailable, avatar.CodeProcessing)

	stub := &stubPresence{subscribed: make(chan string, 1), events: []presence.Event{
		{CIID: "ci-stream", Version: 1, Mode: avatar.ModeActive, Visible: true, Brightness: 0.3},
		{CIID: "ci-stream", Version: 2, Mode: avatar.ModeEmber, Visible: true, Brightness: 0.31},
	}}
	h.SetPresence(stub)

	resp = getJSON(t, ts, "/api/avatars/ci-stream/presence")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	if n := strings.Count(body, "event: presence\n"); n != 2 {
		t.Errorf("got %d events, want 2:\n%s", n, body)
	}
	if !strings.Contains(body, "id: 2\n") || !strings.Contains(body, `"mode":"ember"`) {
		t.Errorf("unexpected stream body:\n%s", body)
	}
	if got := <-stub.subscribed; got != "ci-stream" {
		t.Errorf("subscribed to %q", got)
	}

	resp = getJSON(t, ts, "/api/avatars/ghost/presence")
	expectError(t, resp, http.StatusNotFound, avatar.CodeNotFound)
}
