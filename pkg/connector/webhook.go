// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// maxWebhookAvatarSize bounds the default avatar download.
const maxWebhookAvatarSize = 8 << 20

// WebhookResolver finds or creates the bridge's webhook in each Discord
// channel and caches it for the process lifetime.
type WebhookResolver struct {
	api       DiscordAPI
	name      string
	avatarURL string
	http      *resty.Client
	log       zerolog.Logger

	mu           sync.Mutex
	cache        map[string]*discordgo.Webhook
	channelLocks map[string]*sync.Mutex

	avatarMu   sync.Mutex
	avatarData string
}

func NewWebhookResolver(api DiscordAPI, cfg WebhookConfig, httpClient *resty.Client, log zerolog.Logger) *WebhookResolver {
	return &WebhookResolver{
		api:          api,
		name:         cfg.Name,
		avatarURL:    cfg.AvatarURL,
		http:         httpClient,
		log:          log.With().Str("component", "webhooks").Logger(),
		cache:        make(map[string]*discordgo.Webhook),
		channelLocks: make(map[string]*sync.Mutex),
	}
}

func (r *WebhookResolver) lockChannel(channelID string) func() {
	r.mu.Lock()
	lock, ok := r.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		r.channelLocks[channelID] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (r *WebhookResolver) cached(channelID string) *discordgo.Webhook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[channelID]
}

func (r *WebhookResolver) store(channelID string, hook *discordgo.Webhook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[channelID] = hook
}

// Resolve returns the bridge's webhook for a channel, creating it if the
// channel has none. Concurrent calls for one channel create at most one
// webhook.
func (r *WebhookResolver) Resolve(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	unlock := r.lockChannel(channelID)
	defer unlock()

	hook, err := r.lookup(ctx, channelID)
	if err != nil || hook != nil {
		return hook, err
	}

	avatar := r.defaultAvatar(ctx)
	hook, err = r.api.WebhookCreate(ctx, channelID, r.name, avatar)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook in %s: %w", channelID, err)
	}
	r.log.Info().
		Str("channel_id", channelID).
		Str("webhook_id", hook.ID).
		Msg("Created bridge webhook")
	r.store(channelID, hook)
	return hook, nil
}

// Find returns the bridge's webhook for a channel without creating one.
// It returns nil, nil when the channel has no bridge webhook.
func (r *WebhookResolver) Find(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	unlock := r.lockChannel(channelID)
	defer unlock()
	return r.lookup(ctx, channelID)
}

// lookup checks the cache, then the channel's webhook list. The caller
// holds the channel lock.
func (r *WebhookResolver) lookup(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	if hook := r.cached(channelID); hook != nil {
		return hook, nil
	}
	hooks, err := r.api.ChannelWebhooks(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks in %s: %w", channelID, err)
	}
	for _, hook := range hooks {
		if hook.Name == r.name {
			r.store(channelID, hook)
			return hook, nil
		}
	}
	return nil, nil
}

// Forget drops the cached webhook for a channel.
func (r *WebhookResolver) Forget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, channelID)
}

// Cached returns the number of cached webhooks.
func (r *WebhookResolver) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// defaultAvatar returns the configured avatar as a data URI, downloading it
// on first use. Download failures are logged and yield no avatar.
func (r *WebhookResolver) defaultAvatar(ctx context.Context) string {
	if r.avatarURL == "" || r.http == nil {
		return ""
	}
	r.avatarMu.Lock()
	defer r.avatarMu.Unlock()
	if r.avatarData != "" {
		return r.avatarData
	}

	resp, err := r.http.R().SetContext(ctx).Get(r.avatarURL)
	if err != nil {
		r.log.Warn().Err(err).Str("url", r.avatarURL).Msg("Failed to download webhook avatar")
		return ""
	}
	if resp.IsError() {
		r.log.Warn().Int("status", resp.StatusCode()).Str("url", r.avatarURL).Msg("Failed to download webhook avatar")
		return ""
	}
	body := resp.Body()
	if len(body) == 0 || len(body) > maxWebhookAvatarSize {
		r.log.Warn().Int("size", len(body)).Str("url", r.avatarURL).Msg("Ignoring webhook avatar with unusable size")
		return ""
	}
	r.avatarData = dataURI(resp.Header().Get("Content-Type"), body)
	return r.avatarData
}

func dataURI(contentType string, data []byte) string {
	contentType, _, _ = strings.Cut(contentType, ";")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
