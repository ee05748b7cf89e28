package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/backchannel/internal/config"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "backchannel",
		Short: "Long-poll chat synchronization client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newVideoCmd())
	rootCmd.AddCommand(newAdminCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Backend base URL")
	cmd.PersistentFlags().String("room", defaults.GetString("chat.room"), "Room to join")
	cmd.PersistentFlags().String("name", defaults.GetString("chat.name"), "Display name (generated when empty)")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Local state directory")
	cmd.PersistentFlags().Int("poll-timeout-seconds", defaults.GetInt("poll.timeout_seconds"), "Long-poll park duration")
	cmd.PersistentFlags().String("monitor-address", defaults.GetString("monitor.address"), "Status endpoint listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "chat.room", "room")
	bindFlag(cmd, "chat.name", "name")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "poll.timeout_seconds", "poll-timeout-seconds")
	bindFlag(cmd, "monitor.address", "monitor-address")
	bindFlag(cmd, "log.level", "log-level")
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
