// Copyright 2024-2026 Aiku AI

// Package config loads the chatmirror YAML configuration.
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the configuration file.
type Config struct {
	Platform Platform         `yaml:"platform"`
	Groups   map[string]Group `yaml:"groups"`
	Settings Settings         `yaml:"settings"`
	Relay    Relay            `yaml:"relay"`
	Admin    Admin            `yaml:"admin"`
	DataDir  string           `yaml:"data_dir"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// Platform selects and configures the messaging platform adapter.
type Platform struct {
	Type       string     `yaml:"type"`
	Mattermost Mattermost `yaml:"mattermost"`
	Matrix     Matrix     `yaml:"matrix"`
}

// Mattermost holds the credentials of the relay account on a Mattermost server.
type Mattermost struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// Matrix holds the credentials of the relay account on a Matrix homeserver.
type Matrix struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
}

// Group is one source conversation and the destinations it is mirrored to.
type Group struct {
	// Targets is kept as a raw node so that a malformed entry only drops
	// this group instead of failing the whole file.
	Targets yaml.Node `yaml:"targets"`
	Name    string    `yaml:"name"`
	Tag     string    `yaml:"tag"`
}

// TargetList returns the destination keys of the group. A single scalar is
// accepted as a one-element list. Non-scalar list entries come back empty
// and are rejected by key parsing later.
func (g Group) TargetList() ([]string, error) {
	switch g.Targets.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if g.Targets.Tag == "!!null" {
			return nil, nil
		}
		return []string{g.Targets.Value}, nil
	case yaml.SequenceNode:
		targets := make([]string, 0, len(g.Targets.Content))
		for _, item := range g.Targets.Content {
			if item.Kind != yaml.ScalarNode {
				targets = append(targets, "")
				continue
			}
			targets = append(targets, item.Value)
		}
		return targets, nil
	default:
		return nil, fmt.Errorf("targets must be a list or a single id, got %s", nodeKindName(g.Targets.Kind))
	}
}

func nodeKindName(kind yaml.Kind) string {
	switch kind {
	case yaml.MappingNode:
		return "a mapping"
	case yaml.AliasNode:
		return "an alias"
	case yaml.DocumentNode:
		return "a document"
	default:
		return fmt.Sprintf("node kind %d", kind)
	}
}

// Settings holds presentation and retention settings.
type Settings struct {
	Timezone             string         `yaml:"timezone"`
	Locale               string         `yaml:"locale"`
	AutoDeleteIgnoreDays int            `yaml:"auto_delete_ignore_days"`
	MappingRetentionDays int            `yaml:"mapping_retention_days"`
	SenderNameTemplate   string         `yaml:"sender_name_template"`
	BackupSchedule       BackupSchedule `yaml:"backup_schedule"`

	senderNameTemplate *template.Template `yaml:"-"`
}

// BackupSchedule configures the export jobs.
type BackupSchedule struct {
	DailyTime      string `yaml:"daily_time"`
	WeeklyDay      string `yaml:"weekly_day"`
	WeeklyTime     string `yaml:"weekly_time"`
	LocalExportDir string `yaml:"local_export_dir"`
}

// Relay tunes the delivery pipeline.
type Relay struct {
	AlbumQuietPeriod time.Duration `yaml:"album_quiet_period"`
	Retry            Retry         `yaml:"retry"`
	RateLimit        RateLimit     `yaml:"rate_limit"`
}

// Retry configures the opt-in retry of failed platform calls.
type Retry struct {
	Enabled         bool          `yaml:"enabled"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// RateLimit caps deliveries per destination.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Admin configures the admin HTTP API.
type Admin struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SenderNameParams holds the parameters for rendering the sender name template.
type SenderNameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

const defaultSenderNameTemplate = `{{.FirstName}}{{if .LastName}} {{.LastName}}{{end}}`

// Location returns the configured timezone and its label. Unknown zones
// fall back to UTC.
func (s *Settings) Location() (*time.Location, string) {
	name := s.Timezone
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, name
	}
	return loc, name
}

// FormatSenderName renders the sender name template, falling back to the
// username when the template is missing or renders empty.
func (s *Settings) FormatSenderName(params SenderNameParams) string {
	if s.senderNameTemplate == nil {
		return params.Username
	}
	var sb strings.Builder
	if err := s.senderNameTemplate.Execute(&sb, params); err != nil {
		return params.Username
	}
	name := strings.TrimSpace(sb.String())
	if name == "" {
		return params.Username
	}
	return name
}

// PostProcess validates derived values after unmarshaling.
func (c *Config) PostProcess() error {
	tmpl := c.Settings.SenderNameTemplate
	if tmpl == "" {
		tmpl = defaultSenderNameTemplate
	}
	var err error
	c.Settings.senderNameTemplate, err = template.New("sender_name").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("invalid sender_name_template: %w", err)
	}
	switch c.Platform.Type {
	case "mattermost", "matrix":
	default:
		return fmt.Errorf("unknown platform type %q", c.Platform.Type)
	}
	if c.Relay.AlbumQuietPeriod <= 0 {
		c.Relay.AlbumQuietPeriod = 2 * time.Second
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "platform", "type")
	helper.Copy(up.Str, "platform", "mattermost", "server_url")
	helper.Copy(up.Str, "platform", "mattermost", "token")
	helper.Copy(up.Str, "platform", "matrix", "homeserver_url")
	helper.Copy(up.Str, "platform", "matrix", "user_id")
	helper.Copy(up.Str, "platform", "matrix", "access_token")
	helper.Copy(up.Map, "groups")
	helper.Copy(up.Str, "settings", "timezone")
	helper.Copy(up.Str, "settings", "locale")
	helper.Copy(up.Int, "settings", "auto_delete_ignore_days")
	helper.Copy(up.Int, "settings", "mapping_retention_days")
	helper.Copy(up.Str|up.Null, "settings", "sender_name_template")
	helper.Copy(up.Str|up.Null, "settings", "backup_schedule", "daily_time")
	helper.Copy(up.Str|up.Null, "settings", "backup_schedule", "weekly_day")
	helper.Copy(up.Str|up.Null, "settings", "backup_schedule", "weekly_time")
	helper.Copy(up.Str, "settings", "backup_schedule", "local_export_dir")
	helper.Copy(up.Str, "relay", "album_quiet_period")
	helper.Copy(up.Bool, "relay", "retry", "enabled")
	helper.Copy(up.Int, "relay", "retry", "max_attempts")
	helper.Copy(up.Str, "relay", "retry", "initial_interval")
	helper.Copy(up.Str, "relay", "retry", "max_interval")
	helper.Copy(up.Int|up.Float, "relay", "rate_limit", "per_second")
	helper.Copy(up.Int, "relay", "rate_limit", "burst")
	helper.Copy(up.Str|up.Null, "admin", "listen_addr")
	helper.Copy(up.Str, "data_dir")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config over the embedded example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// Load reads the config file at path, fills in missing keys from the
// example config (writing the result back when save is set), applies
// environment overrides and post-processes the result.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document on top of the example defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
