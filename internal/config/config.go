package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "LOBBYSYNC"
	defaultDirectoryURL           = "http://127.0.0.1:8080"
	defaultLobbyTemplate          = "LobbySession"
	defaultMatchTemplate          = "MatchTicketSession"
	defaultMatchPollInterval      = 120 * time.Second
	defaultConflictRetries        = 3
	defaultTransferHandleAttempts = 3
	defaultLogLevel               = "info"
	defaultEmulatorAddress        = "0.0.0.0:8080"
	defaultEmulatorDatabasePath   = "lobbysync.db"
	defaultEmulatorTokenTTL       = 30 * time.Minute
)

// AppConfig captures runtime configuration for the session client and the directory emulator.
type AppConfig struct {
	DirectoryURL           string
	ServiceConfigID        string
	LobbyTemplate          string
	MatchTemplate          string
	MatchPollInterval      time.Duration
	ConflictRetries        int
	TransferHandleAttempts int
	LogLevel               string
	Emulator               EmulatorConfig
}

// EmulatorConfig configures the development directory.
type EmulatorConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("directory.url", defaultDirectoryURL)
	configViper.SetDefault("session.lobby_template", defaultLobbyTemplate)
	configViper.SetDefault("session.match_template", defaultMatchTemplate)
	configViper.SetDefault("match.poll_interval", defaultMatchPollInterval)
	configViper.SetDefault("writer.conflict_retries", defaultConflictRetries)
	configViper.SetDefault("game.transfer_handle_attempts", defaultTransferHandleAttempts)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("emulator.http_address", defaultEmulatorAddress)
	configViper.SetDefault("emulator.database_path", defaultEmulatorDatabasePath)
	configViper.SetDefault("emulator.token_ttl", defaultEmulatorTokenTTL)
}

// Load parses the session client configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadEmulator parses the configuration the emulator needs; session keys are not required.
func LoadEmulator(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.Emulator.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		DirectoryURL:           strings.TrimSpace(configViper.GetString("directory.url")),
		ServiceConfigID:        strings.TrimSpace(configViper.GetString("session.service_config_id")),
		LobbyTemplate:          strings.TrimSpace(configViper.GetString("session.lobby_template")),
		MatchTemplate:          strings.TrimSpace(configViper.GetString("session.match_template")),
		MatchPollInterval:      configViper.GetDuration("match.poll_interval"),
		ConflictRetries:        configViper.GetInt("writer.conflict_retries"),
		TransferHandleAttempts: configViper.GetInt("game.transfer_handle_attempts"),
		LogLevel:               configViper.GetString("log.level"),
		Emulator: EmulatorConfig{
			HTTPAddress:   configViper.GetString("emulator.http_address"),
			DatabasePath:  configViper.GetString("emulator.database_path"),
			SigningSecret: configViper.GetString("emulator.signing_secret"),
			TokenTTL:      configViper.GetDuration("emulator.token_ttl"),
		},
	}
}

func (c AppConfig) validate() error {
	if c.DirectoryURL == "" {
		return fmt.Errorf("directory.url is required")
	}
	if c.ServiceConfigID == "" {
		return fmt.Errorf("session.service_config_id is required")
	}
	if c.LobbyTemplate == "" {
		return fmt.Errorf("session.lobby_template is required")
	}
	if c.MatchTemplate == "" {
		return fmt.Errorf("session.match_template is required")
	}
	if c.MatchPollInterval <= 0 {
		return fmt.Errorf("match.poll_interval must be positive")
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("writer.conflict_retries must not be negative")
	}
	if c.TransferHandleAttempts <= 0 {
		return fmt.Errorf("game.transfer_handle_attempts must be positive")
	}
	return nil
}

func (c EmulatorConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("emulator.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("emulator.database_path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("emulator.http_address is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("emulator.token_ttl must be positive")
	}
	return nil
}
