// Copyright 2024-2026 Aiku AI

package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are secrets and paths that may be supplied through the
// environment instead of the config file. Non-empty values win.
type envOverrides struct {
	MattermostURL     string `env:"CHATMIRROR_MATTERMOST_URL"`
	MattermostToken   string `env:"CHATMIRROR_MATTERMOST_TOKEN"`
	MatrixHomeserver  string `env:"CHATMIRROR_MATRIX_HOMESERVER"`
	MatrixUserID      string `env:"CHATMIRROR_MATRIX_USER_ID"`
	MatrixAccessToken string `env:"CHATMIRROR_MATRIX_ACCESS_TOKEN"`
	DataDir           string `env:"CHATMIRROR_DATA_DIR"`
	AdminListenAddr   string `env:"CHATMIRROR_ADMIN_LISTEN_ADDR"`
}

func applyEnv(cfg *Config) error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	raw.apply(cfg)
	return nil
}

func (o *envOverrides) apply(cfg *Config) {
	set := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	set(&cfg.Platform.Mattermost.ServerURL, o.MattermostURL)
	set(&cfg.Platform.Mattermost.Token, o.MattermostToken)
	set(&cfg.Platform.Matrix.HomeserverURL, o.MatrixHomeserver)
	set(&cfg.Platform.Matrix.UserID, o.MatrixUserID)
	set(&cfg.Platform.Matrix.AccessToken, o.MatrixAccessToken)
	set(&cfg.DataDir, o.DataDir)
	set(&cfg.Admin.ListenAddr, o.AdminListenAddr)
}
