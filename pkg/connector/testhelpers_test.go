// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/LITdevs/quarkcord/pkg/lightquark"
)

const (
	testGuildID      = "868937321402204220"
	testDiscordChan  = "1020209219472990228"
	testLQChan       = "643aa2e550c913775aec2057"
	testDiscordChan2 = "951924511509471293"
	testLQChan2      = "643aa31450c913775aec2082"
	testBridgeUserID = "6439ee2b50c913775aec1f11"
	testToken        = "lq-test-token"
	testEmail        = "bridge@example.com"
	testPassword     = "hunter2"
)

// ---------------------------------------------------------------------------
// fakeDiscord: in-memory DiscordAPI
// ---------------------------------------------------------------------------

type webhookExecution struct {
	WebhookID string
	Token     string
	Params    discordgo.WebhookParams
}

type webhookCreation struct {
	ChannelID string
	Name      string
	Avatar    string
}

// fakeDiscord records webhook traffic and serves canned channels.
type fakeDiscord struct {
	mu sync.Mutex

	// Channels maps channel ID to channel; unknown IDs fail Channel().
	Channels map[string]*discordgo.Channel
	// Webhooks maps channel ID to its webhooks.
	Webhooks map[string][]*discordgo.Webhook

	// ListErr fails ChannelWebhooks.
	ListErr error
	// ExecuteErr fails WebhookExecute.
	ExecuteErr error
	// CreateDelay slows WebhookCreate to widen race windows.
	CreateDelay time.Duration

	listCalls  int
	creations  []webhookCreation
	executions []webhookExecution
	nextID     int
}

func newFakeDiscord() *fakeDiscord {
	f := &fakeDiscord{
		Channels: make(map[string]*discordgo.Channel),
		Webhooks: make(map[string][]*discordgo.Webhook),
	}
	for _, id := range []string{testDiscordChan, testDiscordChan2} {
		f.Channels[id] = &discordgo.Channel{ID: id, GuildID: testGuildID, Type: discordgo.ChannelTypeGuildText}
	}
	return f
}

var _ DiscordAPI = (*fakeDiscord)(nil)

func (f *fakeDiscord) Channel(_ context.Context, channelID string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	return ch, nil
}

func (f *fakeDiscord) ChannelWebhooks(_ context.Context, channelID string) ([]*discordgo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	hooks := make([]*discordgo.Webhook, len(f.Webhooks[channelID]))
	copy(hooks, f.Webhooks[channelID])
	return hooks, nil
}

func (f *fakeDiscord) WebhookCreate(_ context.Context, channelID, name, avatar string) (*discordgo.Webhook, error) {
	if f.CreateDelay > 0 {
		time.Sleep(f.CreateDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	hook := &discordgo.Webhook{
		ID:        fmt.Sprintf("hook-%d", f.nextID),
		Token:     fmt.Sprintf("hook-token-%d", f.nextID),
		ChannelID: channelID,
		Name:      name,
	}
	f.Webhooks[channelID] = append(f.Webhooks[channelID], hook)
	f.creations = append(f.creations, webhookCreation{ChannelID: channelID, Name: name, Avatar: avatar})
	return hook, nil
}

func (f *fakeDiscord) WebhookExecute(_ context.Context, webhookID, token string, params *discordgo.WebhookParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, webhookExecution{WebhookID: webhookID, Token: token, Params: *params})
	return f.ExecuteErr
}

func (f *fakeDiscord) AddWebhook(channelID string, hook *discordgo.Webhook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Webhooks[channelID] = append(f.Webhooks[channelID], hook)
}

func (f *fakeDiscord) Executions() []webhookExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]webhookExecution, len(f.executions))
	copy(cp, f.executions)
	return cp
}

func (f *fakeDiscord) Creations() []webhookCreation {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]webhookCreation, len(f.creations))
	copy(cp, f.creations)
	return cp
}

func (f *fakeDiscord) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// ---------------------------------------------------------------------------
// fakeEquinox: Lightquark REST API and gateway
// ---------------------------------------------------------------------------

// postedMessage is a recorded POST /v2/channel/{id}/messages call.
type postedMessage struct {
	ChannelID string
	Agent     string
	Auth      string
	Request   lightquark.CreateMessageRequest
}

type fakeEquinox struct {
	Server *httptest.Server

	mu            sync.Mutex
	failEndpoints map[string]bool
	loginCalls    int
	posts      []postedMessage

	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newFakeEquinox() *fakeEquinox {
	f := &fakeEquinox{
		failEndpoints: make(map[string]bool),
		conns:         make(chan *websocket.Conn, 4),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeEquinox) Close() {
	f.Server.Close()
}

func (f *fakeEquinox) GatewayURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + "/gateway"
}

// FailEndpoint makes requests whose path starts with prefix return 500.
func (f *fakeEquinox) FailEndpoint(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failEndpoints[prefix] = true
}

func (f *fakeEquinox) failing(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix := range f.failEndpoints {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeEquinox) Posts() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]postedMessage, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeEquinox) LoginCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls
}

func (f *fakeEquinox) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/gateway" {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err == nil {
			f.conns <- conn
		}
		return
	}

	body, _ := io.ReadAll(r.Body)
	if f.failing(r.URL.Path) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/v1/auth/token":
		f.mu.Lock()
		f.loginCalls++
		f.mu.Unlock()
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.Unmarshal(body, &req)
		if req.Email != testEmail || req.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"access_token": testToken},
		})

	case r.Method == http.MethodGet && path == "/v1/user/me":
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"jwtData": map[string]any{"_id": testBridgeUserID, "username": "Quarkcord"},
			},
		})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/v2/channel/") && strings.HasSuffix(path, "/messages"):
		channelID := strings.TrimSuffix(strings.TrimPrefix(path, "/v2/channel/"), "/messages")
		var req lightquark.CreateMessageRequest
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		f.posts = append(f.posts, postedMessage{
			ChannelID: channelID,
			Agent:     r.Header.Get(lightquark.AgentHeader),
			Auth:      r.Header.Get("Authorization"),
			Request:   req,
		})
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{}})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// NextGatewayConn waits for the bridge to connect to the fake gateway.
func (f *fakeEquinox) NextGatewayConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gateway connection")
		return nil
	}
}

// ---------------------------------------------------------------------------
// fakeFiles: attachment and avatar downloads
// ---------------------------------------------------------------------------

type fakeFile struct {
	Body        []byte
	ContentType string
	Delay       time.Duration
	Status      int
}

type fakeFiles struct {
	Server *httptest.Server

	mu       sync.Mutex
	files    map[string]fakeFile
	requests map[string]int
}

func newFakeFiles() *fakeFiles {
	f := &fakeFiles{
		files:    make(map[string]fakeFile),
		requests: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeFiles) Close() {
	f.Server.Close()
}

// Add registers a file and returns its URL.
func (f *fakeFiles) Add(path string, file fakeFile) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = file
	return f.Server.URL + path
}

func (f *fakeFiles) Requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func (f *fakeFiles) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests[r.URL.Path]++
	file, ok := f.files[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if file.Delay > 0 {
		time.Sleep(file.Delay)
	}
	if file.ContentType != "" {
		w.Header().Set("Content-Type", file.ContentType)
	}
	if file.Status != 0 {
		w.WriteHeader(file.Status)
	}
	_, _ = w.Write(file.Body)
}

// ---------------------------------------------------------------------------
// Bridge construction
// ---------------------------------------------------------------------------

// newTestConfig returns a post-processed config with two channel mappings.
func newTestConfig(t *testing.T, mutate func(*Config)) *Config {
	t.Helper()
	cfg := &Config{
		Discord: DiscordConfig{TrackedGuild: testGuildID},
		ChannelMap: []ChannelMapping{
			{Discord: testDiscordChan, Lightquark: testLQChan},
			{Discord: testDiscordChan2, Lightquark: testLQChan2},
		},
		Lightquark: LightquarkConfig{
			EmoteURLTemplate: "https://emotes.test/{{.ID}}.png",
		},
		Gateway: GatewayConfig{
			ReconnectBackoff: time.Millisecond,
			MaxBackoff:       10 * time.Millisecond,
		},
		DeliveryTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// testEnv is a bridge wired to in-process fakes.
type testEnv struct {
	Bridge  *Bridge
	Discord *fakeDiscord
	LQ      *fakeEquinox
	Files   *fakeFiles
}

type testEnvOptions struct {
	Config      func(*Config)
	Credentials *Credentials
	// SkipStart leaves the credential session unstarted.
	SkipStart bool
}

func newTestEnv(t *testing.T, opts testEnvOptions) *testEnv {
	t.Helper()
	lq := newFakeEquinox()
	t.Cleanup(lq.Close)
	files := newFakeFiles()
	t.Cleanup(files.Close)
	discord := newFakeDiscord()

	cfg := newTestConfig(t, func(c *Config) {
		c.Lightquark.APIURL = lq.Server.URL
		c.Lightquark.GatewayURL = lq.GatewayURL()
		if opts.Config != nil {
			opts.Config(c)
		}
	})
	creds := Credentials{DiscordToken: "discord-token", LightquarkEmail: testEmail, LightquarkPassword: testPassword}
	if opts.Credentials != nil {
		creds = *opts.Credentials
	}

	b, err := newBridge(cfg, creds, bridgeDeps{
		Lightquark: lightquark.NewClient(lq.Server.URL, cfg.Lightquark.Agent),
		Discord:    discord,
		HTTP:       resty.New().SetTimeout(5 * time.Second),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	if !opts.SkipStart {
		if err := b.session.Start(context.Background()); err != nil {
			t.Fatalf("session.Start: %v", err)
		}
	}
	return &testEnv{Bridge: b, Discord: discord, LQ: lq, Files: files}
}

// lqMessage builds a messageCreate event in the first mapped channel.
func lqMessage(authorID, content string) *lightquark.MessageCreateEvent {
	return &lightquark.MessageCreateEvent{
		Author: lightquark.User{ID: authorID, Username: "alice", AvatarURI: "https://cdn.test/avatars/alice"},
		Message: lightquark.Message{
			ID:        "m-" + content,
			ChannelID: testLQChan,
			Content:   content,
			UserAgent: "Lightquark Web",
		},
	}
}

// discordMessage builds an outbound event in the first mapped channel.
func discordMessage(content string) *OutboundEvent {
	return &OutboundEvent{
		MessageID: "dm-1",
		GuildID:   testGuildID,
		ChannelID: testDiscordChan,
		Author: OutboundAuthor{
			ID:        "111111111111111111",
			Username:  "bob",
			AvatarURL: "https://cdn.discordapp.com/avatars/111111111111111111/abc.png?size=128",
		},
		Content: content,
	}
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
