// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/LITdevs/quarkcord/pkg/lightquark"
)

// handleLightquarkMessage relays one gateway messageCreate event to
// Discord. It runs on the gateway dispatch goroutine, so events are handled one
// at a time in arrival order.
func (b *Bridge) handleLightquarkMessage(evt *lightquark.MessageCreateEvent) {
	ctx, cancel := context.WithTimeout(b.rootContext(), b.Config.DeliveryTimeout)
	defer cancel()

	log := b.log.With().
		Str("lq_channel_id", evt.Message.ChannelID).
		Str("lq_message_id", evt.Message.ID).
		Logger()

	mapping, err := b.parseLightquarkMessage(ctx, evt)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping Lightquark message")
		return
	}
	if mapping == nil {
		return
	}
	if err := b.relayToDiscord(ctx, *mapping, evt); err != nil {
		log.Error().Err(err).
			Str("channel_id", mapping.Discord).
			Msg("Failed to relay Lightquark message to Discord")
		return
	}
	log.Debug().Str("channel_id", mapping.Discord).Msg("Relayed Lightquark message to Discord")
}

// parseLightquarkMessage applies loop suppression and the channel lookup.
// Returns (nil, nil) to skip silently, (nil, err) to log and skip, or
// (mapping, nil) to proceed.
func (b *Bridge) parseLightquarkMessage(ctx context.Context, evt *lightquark.MessageCreateEvent) (*ChannelMapping, error) {
	self, err := b.session.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge identity unavailable: %w", err)
	}

	// Echo prevention: messages the bridge posted carry a botMessage
	// attribute and are authored by the bridge account.
	if evt.Author.ID == self.ID && len(evt.Message.SpecialAttributes) > 0 {
		b.log.Debug().
			Str("lq_message_id", evt.Message.ID).
			Msg("Skipping own relayed message (echo prevention)")
		return nil, nil
	}

	mapping, ok := b.channels.ByRemote(evt.Message.ChannelID)
	if !ok {
		return nil, nil
	}
	return &mapping, nil
}

func (b *Bridge) relayToDiscord(ctx context.Context, mapping ChannelMapping, evt *lightquark.MessageCreateEvent) error {
	if _, err := b.discord.Channel(ctx, mapping.Discord); err != nil {
		return fmt.Errorf("failed to fetch discord channel: %w", err)
	}

	hook, err := b.webhooks.Resolve(ctx, mapping.Discord)
	if err != nil {
		return err
	}

	content := b.formatInbound(&evt.Message)
	if content == "" {
		b.log.Debug().Str("lq_message_id", evt.Message.ID).Msg("Skipping empty Lightquark message")
		return nil
	}

	params := &discordgo.WebhookParams{
		Content:   content,
		Username:  b.formatInboundUsername(&evt.Author, &evt.Message),
		AvatarURL: pngAvatarURL(evt.Author.AvatarURI),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}
	if err := b.discord.WebhookExecute(ctx, hook.ID, hook.Token, params); err != nil {
		if isUnknownWebhook(err) {
			b.log.Warn().
				Str("channel_id", mapping.Discord).
				Str("webhook_id", hook.ID).
				Msg("Bridge webhook no longer exists, evicting from cache")
			b.webhooks.Forget(mapping.Discord)
		}
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}
