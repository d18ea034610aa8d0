package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.service_config_id", "scid-1")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.LobbyTemplate != defaultLobbyTemplate || cfg.MatchTemplate != defaultMatchTemplate {
		t.Fatalf("unexpected templates: %q %q", cfg.LobbyTemplate, cfg.MatchTemplate)
	}
	if cfg.MatchPollInterval != 120*time.Second || cfg.ConflictRetries != 3 || cfg.TransferHandleAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Emulator.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl: %s", cfg.Emulator.TokenTTL)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LOBBYSYNC_SESSION_SERVICE_CONFIG_ID", "scid-env")
	t.Setenv("LOBBYSYNC_MATCH_POLL_INTERVAL", "2s")
	t.Setenv("LOBBYSYNC_EMULATOR_SIGNING_SECRET", "secret")

	configViper := NewViper()
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ServiceConfigID != "scid-env" || cfg.MatchPollInterval != 2*time.Second {
		t.Fatalf("environment was not applied: %+v", cfg)
	}
	if cfg.Emulator.SigningSecret != "secret" {
		t.Fatalf("expected signing secret from environment")
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]any
		wantErr string
	}{
		{name: "missing scid", values: map[string]any{}, wantErr: "session.service_config_id"},
		{name: "blank lobby template", values: map[string]any{"session.service_config_id": "s", "session.lobby_template": " "}, wantErr: "session.lobby_template"},
		{name: "zero poll interval", values: map[string]any{"session.service_config_id": "s", "match.poll_interval": "0s"}, wantErr: "match.poll_interval"},
		{name: "negative retries", values: map[string]any{"session.service_config_id": "s", "writer.conflict_retries": -1}, wantErr: "writer.conflict_retries"},
		{name: "no handle attempts", values: map[string]any{"session.service_config_id": "s", "game.transfer_handle_attempts": 0}, wantErr: "game.transfer_handle_attempts"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestLoadEmulatorRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadEmulator(configViper); err == nil || !strings.Contains(err.Error(), "emulator.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
	configViper.Set("emulator.signing_secret", "secret")
	cfg, err := LoadEmulator(configViper)
	if err != nil {
		t.Fatalf("load emulator failed: %v", err)
	}
	if cfg.Emulator.HTTPAddress != defaultEmulatorAddress || cfg.Emulator.DatabasePath != defaultEmulatorDatabasePath {
		t.Fatalf("unexpected emulator defaults: %+v", cfg.Emulator)
	}
}
