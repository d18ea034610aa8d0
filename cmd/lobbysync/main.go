package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lobbysync",
		Short: "Multiplayer session synchronization client and directory emulator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newEmulatorCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("directory-url", defaults.GetString("directory.url"), "Session directory base URL")
	cmd.PersistentFlags().String("scid", defaults.GetString("session.service_config_id"), "Service configuration id")
	cmd.PersistentFlags().String("lobby-template", defaults.GetString("session.lobby_template"), "Lobby session template")
	cmd.PersistentFlags().String("match-template", defaults.GetString("session.match_template"), "Match ticket session template")
	cmd.PersistentFlags().Duration("match-poll-interval", defaults.GetDuration("match.poll_interval"), "Match status poll interval")
	cmd.PersistentFlags().Int("conflict-retries", defaults.GetInt("writer.conflict_retries"), "Synchronized write retries after a conflict")
	cmd.PersistentFlags().Int("transfer-handle-attempts", defaults.GetInt("game.transfer_handle_attempts"), "Transfer handle creation attempts")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("emulator.http_address"), "Emulator HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("emulator.database_path"), "Emulator SQLite database path")
	cmd.PersistentFlags().String("signing-secret", "", "Emulator signing secret (overrides env)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("emulator.token_ttl"), "Emulator device token lifetime")

	bindFlag(cmd, "directory.url", "directory-url")
	bindFlag(cmd, "session.service_config_id", "scid")
	bindFlag(cmd, "session.lobby_template", "lobby-template")
	bindFlag(cmd, "session.match_template", "match-template")
	bindFlag(cmd, "match.poll_interval", "match-poll-interval")
	bindFlag(cmd, "writer.conflict_retries", "conflict-retries")
	bindFlag(cmd, "game.transfer_handle_attempts", "transfer-handle-attempts")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "emulator.http_address", "http-address")
	bindFlag(cmd, "emulator.database_path", "database-path")
	bindFlag(cmd, "emulator.signing_secret", "signing-secret")
	bindFlag(cmd, "emulator.token_ttl", "token-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
