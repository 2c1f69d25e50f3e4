// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package lightquark

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// fakeEquinox wraps an httptest.Server simulating the Equinox REST API and
// the event gateway (served at /gateway).
type fakeEquinox struct {
	Server *httptest.Server

	Email    string
	Password string
	Token    string
	User     User

	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
	// RejectGateway makes the gateway refuse websocket upgrades.
	RejectGateway bool

	mu       sync.Mutex
	calls    []endpointCall
	upgrader websocket.Upgrader
	conns    chan *fakeGatewayConn
}

func newFakeEquinox() *fakeEquinox {
	f := &fakeEquinox{
		Email:         "bridge@example.com",
		Password:      "hunter2",
		Token:         "test-token",
		User:          User{ID: "bridge-user-id", Username: "quarkcord"},
		FailEndpoints: make(map[string]bool),
		conns:         make(chan *fakeGatewayConn, 16),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeEquinox) Close() {
	f.Server.Close()
}

// GatewayURL returns the ws:// URL of the fake gateway.
func (f *fakeEquinox) GatewayURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + "/gateway"
}

func (f *fakeEquinox) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
}

func (f *fakeEquinox) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeEquinox) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeEquinox) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/gateway" {
		f.serveGateway(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	for prefix := range f.FailEndpoints {
		if strings.HasPrefix(r.URL.Path, prefix) {
			http.Error(w, `{"request":{"success":false}}`, http.StatusInternalServerError)
			return
		}
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/auth/token":
		var req tokenRequest
		if err := json.Unmarshal(body, &req); err != nil || req.Email != f.Email || req.Password != f.Password {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"request":{"success":false,"status_message":"Invalid credentials"}}`))
			return
		}
		writeJSON(w, envelope[tokenResponse]{Response: tokenResponse{AccessToken: f.Token}})
	case r.Method == http.MethodGet && r.URL.Path == "/v1/user/me":
		if r.Header.Get("Authorization") != "Bearer "+f.Token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, envelope[meResponse]{Response: meResponse{JWTData: f.User}})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v2/channel/") && strings.HasSuffix(r.URL.Path, "/messages"):
		if r.Header.Get("Authorization") != "Bearer "+f.Token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"response": map[string]any{}})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeEquinox) serveGateway(w http.ResponseWriter, r *http.Request) {
	if f.RejectGateway {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	protocols := websocket.Subprotocols(r)
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	gc := &fakeGatewayConn{
		conn:      conn,
		Protocols: protocols,
		frames:    make(chan ControlFrame, 64),
		done:      make(chan struct{}),
	}
	go gc.readLoop()
	f.conns <- gc
}

// NextConn waits for the next gateway connection.
func (f *fakeEquinox) NextConn(t *testing.T) *fakeGatewayConn {
	t.Helper()
	select {
	case gc := <-f.conns:
		t.Cleanup(gc.Close)
		return gc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gateway connection")
		return nil
	}
}

// ExpectNoConn asserts that no new gateway connection arrives within d.
func (f *fakeEquinox) ExpectNoConn(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case gc := <-f.conns:
		gc.Close()
		t.Fatal("unexpected extra gateway connection")
	case <-time.After(d):
	}
}

// fakeGatewayConn is the server side of one gateway connection.
type fakeGatewayConn struct {
	conn      *websocket.Conn
	Protocols []string

	writeMu sync.Mutex
	frames  chan ControlFrame
	done    chan struct{}
	once    sync.Once
}

func (c *fakeGatewayConn) readLoop() {
	defer close(c.done)
	for {
		var frame ControlFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		select {
		case c.frames <- frame:
		default:
		}
	}
}

// Send writes a raw frame to the client.
func (c *fakeGatewayConn) Send(t *testing.T, frame string) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// NextFrame waits for the next control frame from the client.
func (c *fakeGatewayConn) NextFrame(t *testing.T) ControlFrame {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for control frame")
		return ControlFrame{}
	}
}

// NextFrameOf skips frames until one with the given event arrives.
func (c *fakeGatewayConn) NextFrameOf(t *testing.T, event string) ControlFrame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-c.frames:
			if frame.Event == event {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", event)
			return ControlFrame{}
		}
	}
}

func (c *fakeGatewayConn) Close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

func staticToken(token string) TokenFunc {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// gatewayRun is a Gateway.Run call in progress.
type gatewayRun struct {
	done chan struct{}
	err  error
}

// Wait returns Run's result, failing the test if it does not return.
func (r *gatewayRun) Wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gateway Run to return")
		return nil
	}
}

// runGateway starts g.Run in the background. The gateway is stopped when
// the test ends.
func runGateway(t *testing.T, g *Gateway) *gatewayRun {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	run := &gatewayRun{done: make(chan struct{})}
	go func() {
		defer close(run.done)
		run.err = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-run.done:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop after cancel")
		}
	})
	return run
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
