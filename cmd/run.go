package main

import (
	"context"
	"os/signal"
	"syscall"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/httprunner/FarmAgent/internal/config"
	"github.com/httprunner/FarmAgent/internal/notify"
	"github.com/httprunner/FarmAgent/internal/providers/adb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		flagOnce         bool
		flagProfilesFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop and device health jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			profilesFile := firstNonEmpty(flagProfilesFile, config.ProfilesFile())
			base := config.ActionBaseFromEnv()
			actions, err := config.LoadActions(profilesFile, base)
			if err != nil {
				return err
			}
			cfg, err := config.AgentConfigFromEnv()
			if err != nil {
				return err
			}
			cfg.Executor.Actions = actions

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			provider, err := adb.NewDefault(config.AdbConfig())
			if err != nil {
				return err
			}

			sinks := []notify.Sink{notify.LogSink{Level: zerolog.DebugLevel}}
			if kcfg, ok := config.KafkaConfig(); ok {
				sink, err := notify.NewKafkaSink(kcfg)
				if err != nil {
					return err
				}
				sinks = append(sinks, sink)
				log.Info().Strs("brokers", kcfg.Brokers).Str("topic", kcfg.Topic).Msg("kafka event sink enabled")
			}
			bus := notify.NewBus(config.EventBufferSize(), sinks...)

			agent, err := farmagent.NewAgent(store, provider, bus, cfg)
			if err != nil {
				bus.Close(context.Background())
				return err
			}

			stopBus := startBus(ctx, bus)
			if flagOnce {
				outcome, runErr := agent.RunOnce(ctx)
				closeErr := stopBus()
				log.Info().Str("outcome", outcome.String()).Msg("single scheduler tick finished")
				if runErr != nil {
					return runErr
				}
				return closeErr
			}

			agent.AddWorker("actions-watcher", func(ctx context.Context) error {
				return config.WatchActions(ctx, profilesFile, base, agent.Executor().SetActions)
			})

			log.Info().
				Str("db_path", store.Path()).
				Str("profiles_file", profilesFile).
				Int("max_concurrent_tasks", cfg.Scheduler.MaxConcurrentTasks).
				Msg("starting farm agent")
			runErr := agent.Run(ctx)
			if err := stopBus(); err != nil {
				log.Warn().Err(err).Msg("close event bus failed")
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagOnce, "once", false, "Refresh devices, run one health check and one scheduler tick, then exit")
	cmd.Flags().StringVar(&flagProfilesFile, "profiles", "", "Action profiles YAML file (default from FARM_PROFILES_FILE)")
	return cmd
}

// startBus runs the event bus on a context that outlives ctx, so events from
// pipelines finishing during shutdown are still delivered. The returned
// function stops the bus after draining it.
func startBus(ctx context.Context, bus *notify.Bus) func() error {
	busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go bus.Run(busCtx)
	return func() error {
		cancel()
		return bus.Close(context.Background())
	}
}
