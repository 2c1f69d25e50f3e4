// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/LITdevs/quarkcord/pkg/lightquark"
)

// maxParallelDownloads bounds concurrent attachment downloads per message.
const maxParallelDownloads = 4

// OutboundEvent is a Discord message as seen by the outbound translator.
type OutboundEvent struct {
	MessageID   string
	GuildID     string
	ChannelID   string
	Author      OutboundAuthor
	Content     string
	Attachments []OutboundAttachment
	// WebhookID is set when the message was posted by a webhook.
	WebhookID string
}

type OutboundAuthor struct {
	ID        string
	Username  string
	AvatarURL string
}

type OutboundAttachment struct {
	Filename string
	URL      string
	// Size is the size Discord declares for the file.
	Size int64
}

// outboundFromDiscord converts a discordgo message.
func outboundFromDiscord(msg *discordgo.Message) *OutboundEvent {
	evt := &OutboundEvent{
		MessageID: msg.ID,
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		Content:   msg.Content,
		WebhookID: msg.WebhookID,
	}
	if msg.Author != nil {
		evt.Author = OutboundAuthor{
			ID:        msg.Author.ID,
			Username:  msg.Author.Username,
			AvatarURL: msg.Author.AvatarURL("128"),
		}
	}
	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		evt.Attachments = append(evt.Attachments, OutboundAttachment{
			Filename: att.Filename,
			URL:      att.URL,
			Size:     int64(att.Size),
		})
	}
	return evt
}

// onDiscordMessageCreate is the discordgo message-create handler.
func (b *Bridge) onDiscordMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	b.handleDiscordMessage(outboundFromDiscord(m.Message))
}

// onDiscordReady records the bridge's own Discord account.
func (b *Bridge) onDiscordReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	b.setDiscordUserID(r.User.ID)
	b.log.Info().
		Str("user_id", r.User.ID).
		Str("username", r.User.Username).
		Msg("Connected to Discord")
}

// handleDiscordMessage relays one Discord message to Lightquark.
func (b *Bridge) handleDiscordMessage(evt *OutboundEvent) {
	ctx, cancel := context.WithTimeout(b.rootContext(), b.Config.DeliveryTimeout)
	defer cancel()

	log := b.log.With().
		Str("channel_id", evt.ChannelID).
		Str("message_id", evt.MessageID).
		Logger()

	mapping, err := b.parseDiscordMessage(ctx, evt)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping Discord message")
		return
	}
	if mapping == nil {
		return
	}
	if err := b.relayToLightquark(ctx, *mapping, evt); err != nil {
		log.Error().Err(err).
			Str("lq_channel_id", mapping.Lightquark).
			Msg("Failed to relay Discord message to Lightquark")
		return
	}
	log.Debug().Str("lq_channel_id", mapping.Lightquark).Msg("Relayed Discord message to Lightquark")
}

// parseDiscordMessage applies the guild, channel and echo prevention
// guards. Returns (nil, nil) to skip silently, (nil, err) to log and skip,
// or (mapping, nil) to proceed.
func (b *Bridge) parseDiscordMessage(ctx context.Context, evt *OutboundEvent) (*ChannelMapping, error) {
	if evt.GuildID != b.Config.Discord.TrackedGuild {
		return nil, nil
	}
	mapping, ok := b.channels.ByLocal(evt.ChannelID)
	if !ok {
		return nil, nil
	}

	// Echo prevention: skip messages posted by the bridge account itself.
	if self := b.discordUserID(); self != "" && evt.Author.ID == self {
		return nil, nil
	}

	// Echo prevention: skip messages posted through the bridge webhook.
	// Other webhooks are relayed.
	if evt.WebhookID != "" {
		hook, err := b.webhooks.Find(ctx, evt.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("cannot determine bridge webhook for webhook message: %w", err)
		}
		if hook != nil && hook.ID == evt.WebhookID {
			b.log.Debug().
				Str("message_id", evt.MessageID).
				Str("webhook_id", evt.WebhookID).
				Msg("Skipping bridge webhook message (echo prevention)")
			return nil, nil
		}
	}
	return &mapping, nil
}

func (b *Bridge) relayToLightquark(ctx context.Context, mapping ChannelMapping, evt *OutboundEvent) error {
	if evt.Content == "" && len(evt.Attachments) == 0 {
		return nil
	}

	uploads := b.downloadAttachments(ctx, evt.Attachments)
	if evt.Content == "" && len(uploads) == 0 {
		b.log.Debug().
			Str("message_id", evt.MessageID).
			Int("attachments", len(evt.Attachments)).
			Msg("Skipping message with no content and no forwardable attachments")
		return nil
	}

	token, err := b.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("no lightquark token: %w", err)
	}
	req := &lightquark.CreateMessageRequest{
		Content: evt.Content,
		SpecialAttributes: []lightquark.SpecialAttribute{
			lightquark.BotMessageAttribute(evt.Author.Username, evt.Author.AvatarURL),
		},
		Attachments: uploads,
	}
	return b.lq.CreateMessage(ctx, token, mapping.Lightquark, req)
}

// downloadAttachments fetches every attachment within the size limit
// concurrently and returns them base64 encoded in their original order.
// Oversized attachments and failed downloads are left out.
func (b *Bridge) downloadAttachments(ctx context.Context, atts []OutboundAttachment) []lightquark.AttachmentUpload {
	if len(atts) == 0 {
		return nil
	}
	maxSize := b.Config.Attachments.MaxSize
	results := make([]*lightquark.AttachmentUpload, len(atts))

	var g errgroup.Group
	g.SetLimit(maxParallelDownloads)
	for i, att := range atts {
		if att.Size > maxSize {
			b.log.Debug().
				Str("filename", att.Filename).
				Int64("size", att.Size).
				Int64("max_size", maxSize).
				Msg("Skipping oversized attachment")
			continue
		}
		g.Go(func() error {
			data, err := b.downloadAttachment(ctx, att.URL, maxSize)
			if err != nil {
				b.log.Warn().Err(err).
					Str("filename", att.Filename).
					Msg("Failed to download attachment")
				return nil
			}
			results[i] = &lightquark.AttachmentUpload{
				Filename: att.Filename,
				Data:     base64.StdEncoding.EncodeToString(data),
			}
			return nil
		})
	}
	_ = g.Wait()

	uploads := make([]lightquark.AttachmentUpload, 0, len(atts))
	for _, upload := range results {
		if upload != nil {
			uploads = append(uploads, *upload)
		}
	}
	return uploads
}

func (b *Bridge) downloadAttachment(ctx context.Context, url string, maxSize int64) ([]byte, error) {
	resp, err := b.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	data, err := io.ReadAll(io.LimitReader(body, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxSize)
	}
	return data, nil
}
