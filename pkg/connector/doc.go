// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Discord-Lightquark message bridge.
//
// Messages posted in a mapped Lightquark channel arrive over the Lightquark
// gateway and are re-posted in the paired Discord channel through a
// per-channel webhook, so each message shows its original author's name and
// avatar. Messages posted in a mapped Discord channel of the tracked guild
// are posted to the paired Lightquark channel with a botMessage attribute
// naming the Discord author.
//
// # Core Types
//
// [Bridge] owns the lifecycle: it signs in to Lightquark, opens the Discord
// session, runs the gateway client and serves the admin API.
//
// [CredentialSession] acquires the Lightquark token and identity once and
// memoizes them.
//
// [WebhookResolver] finds or creates the bridge webhook in each Discord
// channel.
//
// [ChannelMap] is the static Discord to Lightquark channel table.
//
// # Echo Prevention
//
// Each direction drops messages the bridge itself produced. Lightquark
// messages authored by the bridge account that carry special attributes are
// not relayed to Discord. Discord messages posted through the bridge's own
// webhook for that channel, or by the bridge's Discord account, are not
// relayed to Lightquark. Messages from other webhooks are relayed.
//
// # Sub-packages
//
//   - quarkfmt converts Lightquark message content to Discord markdown.
package connector
