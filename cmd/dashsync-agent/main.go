package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/dashsync/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dashsync-agent",
		Short: "Client-side save queue and realtime subscriber for dashsync",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newPutCommand(),
		newWatchCommand(),
		newReplayCommand(),
		newFetchCommand(),
		newHistoryCommand(),
		newRestoreCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Base URL of the dashsync API")
	cmd.PersistentFlags().String("owner", defaults.GetString("owner.id"), "Owner id whose sections are synced")
	cmd.PersistentFlags().String("queue-path", defaults.GetString("queue.path"), "SQLite file holding saves queued while offline")
	cmd.PersistentFlags().Duration("save-debounce", defaults.GetDuration("save.debounce"), "Quiet period before an edit is sent")
	cmd.PersistentFlags().Duration("retry-base", defaults.GetDuration("retry.base"), "First retry delay after a transient failure")
	cmd.PersistentFlags().Duration("retry-max", defaults.GetDuration("retry.max"), "Retry delay ceiling")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("poll.interval"), "Poll interval while the push channel is down")
	cmd.PersistentFlags().Duration("push-reconnect", defaults.GetDuration("push.reconnect"), "Delay between push channel reconnect attempts")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides env)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "owner.id", "owner")
	bindFlag(cmd, "queue.path", "queue-path")
	bindFlag(cmd, "save.debounce", "save-debounce")
	bindFlag(cmd, "retry.base", "retry-base")
	bindFlag(cmd, "retry.max", "retry-max")
	bindFlag(cmd, "poll.interval", "poll-interval")
	bindFlag(cmd, "push.reconnect", "push-reconnect")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.token", "token")
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
