package main

import (
	"os"
	"strings"

	"github.com/httprunner/FarmAgent/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "farmagent",
	Short: "Schedule interaction tasks across a farm of Android devices",
	Long:  `farmagent CLI 维护设备池、任务队列与活动日志，并驱动调度循环将任务分发到空闲设备执行。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := env.LoadFile(rootEnvFile); err != nil {
			return err
		}
		return setupLogger(firstNonEmpty(rootLogLevel, os.Getenv("LOG_LEVEL")))
	},
	SilenceUsage: true,
}

var (
	rootLogLevel string
	rootEnvFile  string
	rootDBPath   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (default from LOG_LEVEL, info)")
	rootCmd.PersistentFlags().StringVar(&rootEnvFile, "env-file", "", "Explicit .env file (default: nearest .env or FARM_DOTENV)")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "SQLite database path (default from FARM_DB_PATH, ~/.farmagent/farm.sqlite)")
	rootCmd.AddCommand(
		newRunCmd(),
		newTaskCmd(),
		newDeviceCmd(),
		newActivityCmd(),
		newStatsCmd(),
	)
}

func setupLogger(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("farmagent command failed")
	}
}
