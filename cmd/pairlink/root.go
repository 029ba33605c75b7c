package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "PAIRLINK"
)

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairlink",
		Short: "Pairing and session CLI",
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.PersistentFlags().String("log-level", "", "Logging level: debug|info|warn|error (defaults to info; debug if --trace).")
	cmd.PersistentFlags().String("log-format", "text", "Logging format: text|json.")
	cmd.PersistentFlags().Bool("log-add-source", false, "Include source file:line in logs.")
	cmd.PersistentFlags().Bool("trace", false, "Print extra debug info to stderr.")

	_ = viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", cmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("logging.add_source", cmd.PersistentFlags().Lookup("log-add-source"))
	_ = viper.BindPFlag("trace", cmd.PersistentFlags().Lookup("trace"))

	cmd.PersistentFlags().String("relay-url", "wss://relay.walletconnect.com", "Relay websocket URL.")
	cmd.PersistentFlags().String("store-dir", "~/.pairlink", "Directory for file-backed state.")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for shared state (overrides --store-dir).")
	cmd.PersistentFlags().String("redis-prefix", "pairlink", "Key prefix when using redis.")

	_ = viper.BindPFlag("relay.url", cmd.PersistentFlags().Lookup("relay-url"))
	_ = viper.BindPFlag("store.dir", cmd.PersistentFlags().Lookup("store-dir"))
	_ = viper.BindPFlag("store.redis_url", cmd.PersistentFlags().Lookup("redis-url"))
	_ = viper.BindPFlag("store.redis_prefix", cmd.PersistentFlags().Lookup("redis-prefix"))

	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)
	viper.SetDefault("metadata.name", "pairlink")
	viper.SetDefault("metadata.url", "https://github.com/quailyquaily/pairlink")

	cmd.AddCommand(newURICmd())
	cmd.AddCommand(newPairCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	cfgFile := strings.TrimSpace(viper.GetString("config"))
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
	}
}
