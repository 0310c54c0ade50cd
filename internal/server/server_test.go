package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/brokervoice/internal/audit"
	"github.com/MrWong99/brokervoice/internal/command"
	"github.com/MrWong99/brokervoice/internal/health"
	"github.com/MrWong99/brokervoice/internal/server"
	"github.com/MrWong99/brokervoice/internal/voice"
	"github.com/MrWong99/brokervoice/pkg/audio"
	audiomock "github.com/MrWong99/brokervoice/pkg/audio/mock"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/brokervoice/pkg/provider/s2s/mock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeCommander struct {
	mu        sync.Mutex
	state     command.State
	startErr  error
	stopRes   command.Result
	stopErr   error
	cancelErr error
	stopUser  string
}

func (c *fakeCommander) State() command.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCommander) StartRecording(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr == nil {
		c.state = command.StateRecording
	}
	return c.startErr
}

func (c *fakeCommander) StopRecording(_ context.Context, userID string) (command.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopUser = userID
	c.state = command.StateIdle
	return c.stopRes, c.stopErr
}

func (c *fakeCommander) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelErr
}

type rig struct {
	srv       *httptest.Server
	assistant *voice.Assistant
	provider  *s2smock.Provider
	input     *audiomock.InputDevice
	output    *audiomock.OutputDevice
	commander *fakeCommander
	store     *audit.MemStore
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		provider:  &s2smock.Provider{},
		input:     &audiomock.InputDevice{},
		output:    &audiomock.OutputDevice{},
		commander: &fakeCommander{},
		store:     audit.NewMemStore(10),
	}
	r.assistant = voice.NewAssistant(voice.Deps{Provider: r.provider, Input: r.input, Output: r.output}, voice.Config{}, voice.ConflictReject)
	t.Cleanup(func() { _ = r.assistant.Stop() })

	s := server.New(
		server.WithAssistant(r.assistant),
		server.WithCommander(r.commander),
		server.WithAudit(r.store),
		server.WithHealth(health.New()),
	)
	r.srv = httptest.NewServer(s.Handler())
	t.Cleanup(r.srv.Close)
	return r
}

func (r *rig) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, r.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

type sessionResp struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

type errorResp struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// ── session ──────────────────────────────────────────────────────────────────

func TestStartSession(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	resp := r.do(t, http.MethodPost, "/v1/voice/session", `{"userId":"u1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	got := decode[sessionResp](t, resp)
	if got.SessionID == "" {
		t.Error("sessionId is empty")
	}
	if got.State != "connecting" {
		t.Errorf("state = %q, want connecting", got.State)
	}
	if cur := r.assistant.Current(); cur == nil || cur.UserID() != "u1" {
		t.Errorf("current session = %v, want one for u1", cur)
	}
}

func TestStartSession_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(r *rig)
		body     string
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing user",
			body:     `{}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_body",
		},
		{
			name:     "malformed body",
			body:     `{`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_body",
		},
		{
			name: "microphone unavailable",
			setup: func(r *rig) {
				r.input.OpenErr = &audio.DeviceError{Op: "open input", Err: audio.ErrDeviceUnavailable}
			},
			body:     `{"userId":"u1"}`,
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "device",
		},
		{
			name: "speaker unavailable",
			setup: func(r *rig) {
				r.output.OpenErr = &audio.DeviceError{Op: "open output", Err: audio.ErrDeviceUnavailable}
			},
			body:     `{"userId":"u1"}`,
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "device",
		},
		{
			name:     "collaborator unreachable",
			setup:    func(r *rig) { r.provider.ConnectErr = errors.New("dial refused") },
			body:     `{"userId":"u1"}`,
			wantCode: http.StatusBadGateway,
			wantErr:  "transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t)
			if tt.setup != nil {
				tt.setup(r)
			}
			resp := r.do(t, http.MethodPost, "/v1/voice/session", tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if got := decode[errorResp](t, resp); got.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", got.Error, tt.wantErr)
			}
			if r.assistant.Current() != nil {
				t.Error("a failed start left a current session")
			}
		})
	}
}

func TestStartSession_Conflict(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if resp := r.do(t, http.MethodPost, "/v1/voice/session", `{"userId":"u1"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first start status = %d", resp.StatusCode)
	}
	resp := r.do(t, http.MethodPost, "/v1/voice/session", `{"userId":"u2"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", resp.StatusCode)
	}
	if got := decode[errorResp](t, resp); got.Error != "session_active" {
		t.Errorf("error = %q, want session_active", got.Error)
	}
}

func TestGetAndStopSession(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	got := decode[sessionResp](t, r.do(t, http.MethodGet, "/v1/voice/session", ""))
	if got.State != "idle" || got.SessionID != "" {
		t.Errorf("idle GET = %+v, want state idle without id", got)
	}

	started := decode[sessionResp](t, r.do(t, http.MethodPost, "/v1/voice/session", `{"userId":"u1"}`))
	r.provider.LastSession().Open()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got = decode[sessionResp](t, r.do(t, http.MethodGet, "/v1/voice/session", ""))
		if got.State == "open" || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got.State != "open" || got.SessionID != started.SessionID {
		t.Fatalf("GET = %+v, want open %s", got, started.SessionID)
	}

	if resp := r.do(t, http.MethodDelete, "/v1/voice/session", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if r.assistant.Current() != nil {
		t.Error("session still current after DELETE")
	}
	// Stopping again is a no-op.
	if resp := r.do(t, http.MethodDelete, "/v1/voice/session", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second DELETE status = %d, want 204", resp.StatusCode)
	}
}

// ── events ───────────────────────────────────────────────────────────────────

type eventResp struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Message   *struct {
		Text            string `json:"text"`
		InputTranscript string `json:"inputTranscript"`
		TurnComplete    bool   `json:"turnComplete"`
	} `json:"message"`
	Error string `json:"error"`
}

func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, match func(eventResp) bool) eventResp {
	t.Helper()
	for {
		var ev eventResp
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

func TestEvents_StreamsSessionUpdates(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	started := decode[sessionResp](t, r.do(t, http.MethodPost, "/v1/voice/session", `{"userId":"u1"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, r.srv.URL+"/v1/voice/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	first := readUntil(t, ctx, conn, func(eventResp) bool { return true })
	if first.Kind != "state" || first.SessionID != started.SessionID {
		t.Fatalf("first event = %+v, want current session state", first)
	}

	sess := r.provider.LastSession()
	sess.Open()
	readUntil(t, ctx, conn, func(ev eventResp) bool { return ev.Kind == "state" && ev.State == "open" })

	sess.EmitMessage(&s2s.Message{Text: "hello", InputTranscript: "hi there", TurnComplete: true})
	msg := readUntil(t, ctx, conn, func(ev eventResp) bool { return ev.Kind == "message" })
	if msg.Message == nil || msg.Message.Text != "hello" || msg.Message.InputTranscript != "hi there" || !msg.Message.TurnComplete {
		t.Errorf("message event = %+v", msg.Message)
	}

	sess.Finish(s2s.Event{Kind: s2s.EventError, Err: errors.New("remote hung up")})
	errEv := readUntil(t, ctx, conn, func(ev eventResp) bool { return ev.Kind == "error" })
	if !strings.Contains(errEv.Error, "remote hung up") {
		t.Errorf("error event = %q, want the remote failure", errEv.Error)
	}
	readUntil(t, ctx, conn, func(ev eventResp) bool { return ev.Kind == "state" && ev.State == "error" })

	conn.Close(websocket.StatusNormalClosure, "")
}

// ── command ──────────────────────────────────────────────────────────────────

func TestCommandFlow(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.commander.stopRes = command.Result{Success: true, Transcript: "lights on", ActionTaken: "lights.on"}

	if resp := r.do(t, http.MethodPost, "/v1/voice/command/start", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("start status = %d, want 204", resp.StatusCode)
	}
	state := decode[struct {
		State string `json:"state"`
	}](t, r.do(t, http.MethodGet, "/v1/voice/command", ""))
	if state.State != "recording" {
		t.Errorf("state = %q, want recording", state.State)
	}

	resp := r.do(t, http.MethodPost, "/v1/voice/command/stop", `{"userId":"u7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}
	got := decode[struct {
		Success     bool   `json:"success"`
		Transcript  string `json:"transcript"`
		ActionTaken string `json:"actionTaken"`
		Error       string `json:"error"`
	}](t, resp)
	if !got.Success || got.Transcript != "lights on" || got.ActionTaken != "lights.on" || got.Error != "" {
		t.Errorf("stop result = %+v", got)
	}
	if r.commander.stopUser != "u7" {
		t.Errorf("stop userID = %q, want u7", r.commander.stopUser)
	}
}

func TestCommandStop_Failure(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.commander.stopRes = command.Result{Transcript: "do the thing"}
	r.commander.stopErr = &command.FailedError{Err: errors.New("endpoint reported failure")}

	resp := r.do(t, http.MethodPost, "/v1/voice/command/stop", `{"userId":"u1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[struct {
		Success    bool   `json:"success"`
		Transcript string `json:"transcript"`
		Error      string `json:"error"`
	}](t, resp)
	if got.Success || got.Transcript != "do the thing" || !strings.Contains(got.Error, "endpoint reported failure") {
		t.Errorf("result = %+v, want failure with transcript", got)
	}
}

func TestCommand_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(c *fakeCommander)
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{
			name:     "start while recording",
			setup:    func(c *fakeCommander) { c.startErr = command.ErrAlreadyRecording },
			path:     "/v1/voice/command/start",
			wantCode: http.StatusConflict,
			wantErr:  "already_recording",
		},
		{
			name: "start without microphone",
			setup: func(c *fakeCommander) {
				c.startErr = fmt.Errorf("command: start: %w", &audio.DeviceError{Op: "open input", Err: audio.ErrPermissionDenied})
			},
			path:     "/v1/voice/command/start",
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "device",
		},
		{
			name:     "stop while idle",
			setup:    func(c *fakeCommander) { c.stopErr = command.ErrNotRecording },
			path:     "/v1/voice/command/stop",
			body:     `{"userId":"u1"}`,
			wantCode: http.StatusConflict,
			wantErr:  "not_recording",
		},
		{
			name:     "stop without user",
			path:     "/v1/voice/command/stop",
			body:     `{}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_body",
		},
		{
			name:     "cancel while idle",
			setup:    func(c *fakeCommander) { c.cancelErr = command.ErrNotRecording },
			path:     "/v1/voice/command/cancel",
			wantCode: http.StatusConflict,
			wantErr:  "not_recording",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t)
			if tt.setup != nil {
				tt.setup(r.commander)
			}
			resp := r.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if got := decode[errorResp](t, resp); got.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", got.Error, tt.wantErr)
			}
		})
	}
}

func TestCommandCancel(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if resp := r.do(t, http.MethodPost, "/v1/voice/command/cancel", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

// ── audit ────────────────────────────────────────────────────────────────────

func TestAuditRoutes(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		_ = r.store.RecordSession(ctx, audit.SessionRecord{
			ID:         fmt.Sprintf("s%d", i),
			UserID:     "u1",
			StartedAt:  start,
			EndedAt:    start.Add(time.Duration(i+1) * time.Second),
			FinalState: "closed",
			FramesSent: int64(i),
		})
	}
	_ = r.store.RecordCommand(ctx, audit.CommandRecord{ID: "c1", UserID: "u1", Latency: 250 * time.Millisecond, Success: true})

	resp := r.do(t, http.MethodGet, "/v1/audit/sessions?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status = %d", resp.StatusCode)
	}
	sessions := decode[[]struct {
		ID         string `json:"id"`
		DurationMs int64  `json:"durationMs"`
	}](t, resp)
	if len(sessions) != 2 || sessions[0].ID != "s2" || sessions[0].DurationMs != 3000 {
		t.Errorf("sessions = %+v, want newest two starting with s2 (3000ms)", sessions)
	}

	commands := decode[[]struct {
		ID        string `json:"id"`
		LatencyMs int64  `json:"latencyMs"`
		Success   bool   `json:"success"`
	}](t, r.do(t, http.MethodGet, "/v1/audit/commands", ""))
	if len(commands) != 1 || commands[0].ID != "c1" || commands[0].LatencyMs != 250 || !commands[0].Success {
		t.Errorf("commands = %+v", commands)
	}

	if resp := r.do(t, http.MethodGet, "/v1/audit/sessions?limit=-1", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", resp.StatusCode)
	}
}

// ── wiring ───────────────────────────────────────────────────────────────────

func TestUnconfiguredRoutes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(server.New().Handler())
	t.Cleanup(srv.Close)

	for _, rt := range []struct{ method, path string }{
		{http.MethodPost, "/v1/voice/session"},
		{http.MethodGet, "/v1/voice/session"},
		{http.MethodDelete, "/v1/voice/session"},
		{http.MethodGet, "/v1/voice/events"},
		{http.MethodGet, "/v1/voice/command"},
		{http.MethodPost, "/v1/voice/command/start"},
		{http.MethodPost, "/v1/voice/command/stop"},
		{http.MethodPost, "/v1/voice/command/cancel"},
		{http.MethodGet, "/v1/audit/sessions"},
		{http.MethodGet, "/v1/audit/commands"},
	} {
		req, _ := http.NewRequest(rt.method, srv.URL+rt.path, strings.NewReader(`{"userId":"u1"}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", rt.method, rt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d, want 503", rt.method, rt.path, resp.StatusCode)
		}
	}
}

func TestHealthMounted(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if resp := r.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
	if resp := r.do(t, http.MethodGet, "/readyz", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	s := server.New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0", "", "", time.Second) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
