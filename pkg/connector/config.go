// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"text/template"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/LITdevs/quarkcord/pkg/lightquark"
)

//go:embed example-config.yaml
var ExampleConfig string

// Defaults applied to zero-valued settings.
const (
	DefaultLightquarkAPIURL     = "https://equinox.litdevs.org"
	DefaultLightquarkGatewayURL = "wss://equinox-gateway.litdevs.org"
	DefaultLightquarkAgent      = "Quarkcord Bridge Dev"
	DefaultEmoteURLTemplate     = "https://equinox.litdevs.org/v2/quark/emotes/{{.ID}}/image"
	DefaultWebhookName          = "Quarkcord Dev"
	DefaultDisplaynameTemplate  = "{{.Username}} via {{.Agent}}"
	DefaultMaxAttachmentSize    = 25_000_000
	DefaultDeliveryTimeout      = 30 * time.Second
)

// Config holds the bridge configuration.
type Config struct {
	Discord    DiscordConfig    `yaml:"discord"`
	Lightquark LightquarkConfig `yaml:"lightquark"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	// DisplaynameTemplate renders the webhook username for relayed
	// Lightquark messages. Fields: .Username, .Agent.
	DisplaynameTemplate string `yaml:"displayname_template"`

	Gateway     GatewayConfig    `yaml:"gateway"`
	Attachments AttachmentConfig `yaml:"attachments"`

	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	// AdminAPIAddr is the listen address for the admin HTTP API serving
	// /api/status. Empty disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	ChannelMap []ChannelMapping `yaml:"channel_map"`

	Logging zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
	emoteURLTemplate    *template.Template `yaml:"-"`
	channels            *ChannelMap        `yaml:"-"`
}

type DiscordConfig struct {
	// TrackedGuild is the only guild whose messages are relayed.
	TrackedGuild string `yaml:"tracked_guild"`
}

type LightquarkConfig struct {
	APIURL     string `yaml:"api_url"`
	GatewayURL string `yaml:"gateway_url"`
	// Agent is sent as the lq-agent header on every message post.
	Agent string `yaml:"agent"`
	// EmoteURLTemplate renders an emote image URL. Fields: .ID.
	EmoteURLTemplate string `yaml:"emote_url_template"`
}

type WebhookConfig struct {
	Name      string `yaml:"name"`
	AvatarURL string `yaml:"avatar_url"`
}

type GatewayConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectPolicy      string        `yaml:"reconnect_policy"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type AttachmentConfig struct {
	// MaxSize is the largest attachment, in bytes, forwarded to Lightquark.
	MaxSize int64 `yaml:"max_size"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username string
	Agent    string
}

// EmoteParams holds the parameters for rendering the emote URL template.
type EmoteParams struct {
	ID string
}

// Credentials are the secrets read from the environment.
type Credentials struct {
	DiscordToken       string `env:"DISCORD_TOKEN,required,notEmpty"`
	LightquarkEmail    string `env:"LQ_EMAIL,required,notEmpty"`
	LightquarkPassword string `env:"LQ_PASS,required,notEmpty"`
}

// LoadCredentials reads credentials from the environment after loading the
// given dotenv files. Missing dotenv files are ignored; variables already
// set in the environment take precedence over the files.
func LoadCredentials(envFiles ...string) (Credentials, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	var creds Credentials
	if err := env.Parse(&creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	return creds, nil
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads the config at path, fills in missing keys from the
// embedded example and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, _, err := up.Do(path, false, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "discord", "tracked_guild")
	helper.Copy(up.Str, "lightquark", "api_url")
	helper.Copy(up.Str, "lightquark", "gateway_url")
	helper.Copy(up.Str, "lightquark", "agent")
	helper.Copy(up.Str, "lightquark", "emote_url_template")
	helper.Copy(up.Str, "webhook", "name")
	helper.Copy(up.Str|up.Null, "webhook", "avatar_url")
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Str, "gateway", "heartbeat_interval")
	helper.Copy(up.Str, "gateway", "reconnect_policy")
	helper.Copy(up.Str, "gateway", "reconnect_backoff")
	helper.Copy(up.Str, "gateway", "max_backoff")
	helper.Copy(up.Int, "gateway", "max_reconnect_attempts")
	helper.Copy(up.Int, "attachments", "max_size")
	helper.Copy(up.Str, "delivery_timeout")
	helper.Copy(up.Str|up.Null, "admin_api_addr")
	helper.Copy(up.List, "channel_map")
	helper.Copy(up.Map, "logging")
}

func (c *Config) applyDefaults() {
	if c.Lightquark.APIURL == "" {
		c.Lightquark.APIURL = DefaultLightquarkAPIURL
	}
	if c.Lightquark.GatewayURL == "" {
		c.Lightquark.GatewayURL = DefaultLightquarkGatewayURL
	}
	if c.Lightquark.Agent == "" {
		c.Lightquark.Agent = DefaultLightquarkAgent
	}
	if c.Lightquark.EmoteURLTemplate == "" {
		c.Lightquark.EmoteURLTemplate = DefaultEmoteURLTemplate
	}
	if c.Webhook.Name == "" {
		c.Webhook.Name = DefaultWebhookName
	}
	if c.DisplaynameTemplate == "" {
		c.DisplaynameTemplate = DefaultDisplaynameTemplate
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		c.Gateway.HeartbeatInterval = lightquark.DefaultHeartbeatInterval
	}
	if c.Gateway.ReconnectPolicy == "" {
		c.Gateway.ReconnectPolicy = string(lightquark.ReconnectPolicyReconnect)
	}
	if c.Gateway.ReconnectBackoff <= 0 {
		c.Gateway.ReconnectBackoff = lightquark.DefaultReconnectBackoff
	}
	if c.Gateway.MaxBackoff <= 0 {
		c.Gateway.MaxBackoff = lightquark.DefaultMaxBackoff
	}
	if c.Attachments.MaxSize <= 0 {
		c.Attachments.MaxSize = DefaultMaxAttachmentSize
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
}

// PostProcess applies defaults, compiles the templates and validates the
// configuration.
func (c *Config) PostProcess() error {
	c.applyDefaults()

	if c.Discord.TrackedGuild == "" {
		return fmt.Errorf("discord.tracked_guild is required")
	}
	if !isSnowflake(c.Discord.TrackedGuild) {
		return fmt.Errorf("discord.tracked_guild %q is not a Discord ID", c.Discord.TrackedGuild)
	}
	if err := validateURL("lightquark.api_url", c.Lightquark.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("lightquark.gateway_url", c.Lightquark.GatewayURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Webhook.AvatarURL != "" {
		if err := validateURL("webhook.avatar_url", c.Webhook.AvatarURL, "http", "https"); err != nil {
			return err
		}
	}
	switch lightquark.ReconnectPolicy(c.Gateway.ReconnectPolicy) {
	case lightquark.ReconnectPolicyReconnect, lightquark.ReconnectPolicyExit:
	default:
		return fmt.Errorf("gateway.reconnect_policy must be %q or %q, got %q",
			lightquark.ReconnectPolicyReconnect, lightquark.ReconnectPolicyExit, c.Gateway.ReconnectPolicy)
	}
	if c.Gateway.MaxReconnectAttempts < 0 {
		return fmt.Errorf("gateway.max_reconnect_attempts must not be negative")
	}

	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	c.emoteURLTemplate, err = template.New("emote_url").Option("missingkey=error").Parse(c.Lightquark.EmoteURLTemplate)
	if err != nil {
		return fmt.Errorf("invalid lightquark.emote_url_template: %w", err)
	}

	if len(c.ChannelMap) == 0 {
		return fmt.Errorf("channel_map must contain at least one mapping")
	}
	for _, m := range c.ChannelMap {
		if !isSnowflake(m.Discord) {
			return fmt.Errorf("channel_map: %q is not a Discord channel ID", m.Discord)
		}
		if !isObjectID(m.Lightquark) {
			return fmt.Errorf("channel_map: %q is not a Lightquark channel ID", m.Lightquark)
		}
	}
	c.channels, err = NewChannelMap(c.ChannelMap)
	if err != nil {
		return fmt.Errorf("invalid channel_map: %w", err)
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %v URL", key, raw, schemes)
}

// Channels returns the validated channel map. It is nil until PostProcess
// succeeds.
func (c *Config) Channels() *ChannelMap {
	return c.channels
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.Username
	}
	return string(buf)
}

// EmoteURL renders the image URL of a Lightquark emote.
func (c *Config) EmoteURL(id string) string {
	tmpl := c.emoteURLTemplate
	if tmpl == nil {
		tmpl = defaultEmoteURLTemplate
	}
	var buf []byte
	if err := tmpl.Execute((*templateBuffer)(&buf), EmoteParams{ID: id}); err != nil {
		return id
	}
	return string(buf)
}

var defaultEmoteURLTemplate = template.Must(template.New("emote_url").Parse(DefaultEmoteURLTemplate))

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
