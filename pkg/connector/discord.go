// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Gateway intents the bridge needs: guild metadata, guild messages and
// their content.
const discordIntents = discordgo.IntentGuilds |
	discordgo.IntentGuildMessages |
	discordgo.IntentMessageContent

// DiscordAPI is the subset of the Discord REST API the bridge uses.
type DiscordAPI interface {
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error)
	WebhookCreate(ctx context.Context, channelID, name, avatar string) (*discordgo.Webhook, error)
	WebhookExecute(ctx context.Context, webhookID, token string, params *discordgo.WebhookParams) error
}

// newDiscordSession creates a bot session with the bridge's intents. The
// session is not opened.
func newDiscordSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordIntents
	return session, nil
}

// discordSession adapts *discordgo.Session to DiscordAPI.
type discordSession struct {
	s *discordgo.Session
}

var _ DiscordAPI = discordSession{}

func (d discordSession) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if d.s.State != nil {
		if ch, err := d.s.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return d.s.Channel(channelID, discordgo.WithContext(ctx))
}

func (d discordSession) ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error) {
	return d.s.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
}

func (d discordSession) WebhookCreate(ctx context.Context, channelID, name, avatar string) (*discordgo.Webhook, error) {
	return d.s.WebhookCreate(channelID, name, avatar, discordgo.WithContext(ctx))
}

func (d discordSession) WebhookExecute(ctx context.Context, webhookID, token string, params *discordgo.WebhookParams) error {
	_, err := d.s.WebhookExecute(webhookID, token, false, params, discordgo.WithContext(ctx))
	return err
}

// isUnknownWebhook reports whether err is Discord's "Unknown Webhook"
// response, meaning the webhook was deleted.
func isUnknownWebhook(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Message == nil {
		return false
	}
	return restErr.Message.Code == discordgo.ErrCodeUnknownWebhook
}
