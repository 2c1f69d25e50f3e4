// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LITdevs/quarkcord/pkg/lightquark"
)

// ErrDelivery marks a failed webhook execution towards Discord.
var ErrDelivery = errors.New("discord delivery failed")

// LightquarkAPI is the Lightquark REST API surface the bridge uses.
type LightquarkAPI interface {
	AuthAPI
	CreateMessage(ctx context.Context, token, channelID string, req *lightquark.CreateMessageRequest) error
}

// Bridge relays messages between mapped Discord and Lightquark channels.
type Bridge struct {
	Config *Config

	log      zerolog.Logger
	channels *ChannelMap
	lq       LightquarkAPI
	session  *CredentialSession
	discord  DiscordAPI
	webhooks *WebhookResolver
	gateway  *lightquark.Gateway
	http     *resty.Client

	// dg is the live Discord session; nil when the bridge runs against a
	// plain DiscordAPI.
	dg *discordgo.Session

	mu            sync.RWMutex
	ctx           context.Context
	discordSelfID string
}

// bridgeDeps are the external collaborators of a Bridge.
type bridgeDeps struct {
	Lightquark LightquarkAPI
	Discord    DiscordAPI
	HTTP       *resty.Client
	Dialer     *websocket.Dialer
}

// NewBridge wires a bridge against the live Discord and Lightquark services.
// cfg must have been post-processed.
func NewBridge(cfg *Config, creds Credentials, log zerolog.Logger) (*Bridge, error) {
	dg, err := newDiscordSession(creds.DiscordToken)
	if err != nil {
		return nil, err
	}
	b, err := newBridge(cfg, creds, bridgeDeps{
		Lightquark: lightquark.NewClient(cfg.Lightquark.APIURL, cfg.Lightquark.Agent),
		Discord:    discordSession{s: dg},
	}, log)
	if err != nil {
		return nil, err
	}
	b.dg = dg
	dg.AddHandler(b.onDiscordReady)
	dg.AddHandler(b.onDiscordMessageCreate)
	return b, nil
}

func newBridge(cfg *Config, creds Credentials, deps bridgeDeps, log zerolog.Logger) (*Bridge, error) {
	if cfg.Channels() == nil {
		return nil, fmt.Errorf("config has not been post-processed")
	}
	httpClient := deps.HTTP
	if httpClient == nil {
		httpClient = resty.New().SetTimeout(cfg.DeliveryTimeout)
	}

	b := &Bridge{
		Config:   cfg,
		log:      log,
		channels: cfg.Channels(),
		lq:       deps.Lightquark,
		discord:  deps.Discord,
		http:     httpClient,
		ctx:      context.Background(),
	}
	b.session = NewCredentialSession(deps.Lightquark, creds, log)
	b.webhooks = NewWebhookResolver(deps.Discord, cfg.Webhook, httpClient, log)
	b.gateway = lightquark.NewGateway(lightquark.GatewayConfig{
		URL:                  cfg.Lightquark.GatewayURL,
		Token:                b.session.Token,
		Channels:             b.channels.RemoteIDs(),
		HeartbeatInterval:    cfg.Gateway.HeartbeatInterval,
		Policy:               lightquark.ReconnectPolicy(cfg.Gateway.ReconnectPolicy),
		ReconnectBackoff:     cfg.Gateway.ReconnectBackoff,
		MaxBackoff:           cfg.Gateway.MaxBackoff,
		MaxReconnectAttempts: cfg.Gateway.MaxReconnectAttempts,
		OnMessageCreate:      b.handleLightquarkMessage,
		Dialer:               deps.Dialer,
	}, log)
	return b, nil
}

// Run signs in to Lightquark, opens the Discord session and relays messages
// until ctx is cancelled or the gateway gives up. A sign-in failure is
// returned immediately.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lightquark session: %w", err)
	}

	if b.dg != nil {
		if err := b.dg.Open(); err != nil {
			return fmt.Errorf("failed to connect to discord: %w", err)
		}
		b.seedDiscordUserID(b.dg.State)
		defer func() {
			if err := b.dg.Close(); err != nil {
				b.log.Warn().Err(err).Msg("Failed to close Discord session")
			}
		}()
	}

	b.log.Info().
		Int("mappings", b.channels.Len()).
		Str("tracked_guild", b.Config.Discord.TrackedGuild).
		Msg("Bridge started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.gateway.Run(gctx)
	})
	if b.Config.AdminAPIAddr != "" {
		g.Go(func() error {
			return b.serveAdminAPI(gctx, b.Config.AdminAPIAddr)
		})
	}
	err := g.Wait()
	b.log.Info().Err(err).Msg("Bridge stopped")
	return err
}

// rootContext is the context deliveries derive from. Deliveries do not
// inherit the gateway connection's lifetime.
func (b *Bridge) rootContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx
}

func (b *Bridge) setDiscordUserID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discordSelfID = id
}

// seedDiscordUserID records the bridge account from the session state, so
// the own-account guard holds before the Ready handler has run.
func (b *Bridge) seedDiscordUserID(state *discordgo.State) {
	if state == nil {
		return
	}
	state.RLock()
	user := state.User
	state.RUnlock()
	if user == nil || user.ID == "" {
		return
	}
	b.setDiscordUserID(user.ID)
}

func (b *Bridge) discordUserID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.discordSelfID
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	GatewayState   string `json:"gateway_state"`
	Reconnects     int64  `json:"reconnects"`
	Mappings       int    `json:"mappings"`
	WebhooksCached int    `json:"webhooks_cached"`
}

// Status reports the bridge's runtime state.
func (b *Bridge) Status() StatusResponse {
	return StatusResponse{
		GatewayState:   b.gateway.State().String(),
		Reconnects:     b.gateway.Reconnects(),
		Mappings:       b.channels.Len(),
		WebhooksCached: b.webhooks.Cached(),
	}
}

// HandleStatus is an HTTP handler for GET /api/status.
func (b *Bridge) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(b.Status()); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write status response")
	}
}

func (b *Bridge) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", b.HandleStatus)
	return mux
}

// serveAdminAPI runs the admin HTTP API until ctx is cancelled.
func (b *Bridge) serveAdminAPI(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:      b.adminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	b.log.Info().Str("addr", listener.Addr().String()).Msg("Starting bridge admin API")
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin API: %w", err)
	}
	return nil
}
