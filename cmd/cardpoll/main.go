package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cardpoll",
		Short:         "Two-option card polls with shared activity",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newClientCommands()...)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.StringSlice("known-users", defaults.GetStringSlice("session.known_users"), "Identities allowed to log in")

	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("store-driver", defaults.GetString("store.driver"), "Shared store driver (sqlite, postgres, memory; empty disables)")
	flags.String("store-dsn", defaults.GetString("store.dsn"), "Shared store DSN or SQLite path")
	flags.String("signing-secret", "", "Session token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")

	flags.String("remote-url", "", "Shared service URL (empty keeps the device local)")
	flags.String("device-db", defaults.GetString("client.device_db"), "Device SQLite path")
	flags.String("seed-file", "", "Seed card YAML (empty uses the embedded seed)")
	flags.Int("timeout-seconds", defaults.GetInt("client.timeout_seconds"), "Shared service request timeout")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.known_users", "known-users")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.dsn", "store-dsn")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "client.remote_url", "remote-url")
	bindFlag(cmd, "client.device_db", "device-db")
	bindFlag(cmd, "client.seed_file", "seed-file")
	bindFlag(cmd, "client.timeout_seconds", "timeout-seconds")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
