package main

import (
	farmagent "github.com/httprunner/FarmAgent"
	"github.com/httprunner/FarmAgent/internal/config"
	"github.com/httprunner/FarmAgent/internal/providers/adb"
	"github.com/spf13/cobra"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect and maintain the device pool",
	}
	cmd.AddCommand(
		newDeviceListCmd(),
		newDeviceRefreshCmd(),
		newDeviceResetCmd(),
		newDeviceRemoveCmd(),
	)
	return cmd
}

// withPool opens the store and an adb-backed pool for one command.
func withPool(run func(pool *farmagent.DevicePool) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	provider, err := adb.NewDefault(config.AdbConfig())
	if err != nil {
		return err
	}
	cfg, err := config.AgentConfigFromEnv()
	if err != nil {
		return err
	}
	pool, err := farmagent.NewDevicePool(store, provider, nil, cfg.Pool)
	if err != nil {
		return err
	}
	return run(pool)
}

func newDeviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			devices, err := store.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			printf(tw, "SERIAL\tMODEL\tOS\tBATTERY\tSTATUS\tACTIVE\tTASK\tLAST TASK\tERROR\n")
			for _, dev := range devices {
				printf(tw, "%s\t%s\t%s\t%d%%\t%s\t%t\t%s\t%s\t%s\n",
					dev.ID, orDash(dev.Model), orDash(dev.OSVersion), dev.BatteryLevel,
					dev.Status, dev.IsActive, orDash(dev.CurrentTaskID),
					formatTime(dev.LastTaskTime), orDash(dev.ErrorMessage))
			}
			return tw.Flush()
		},
	}
}

func newDeviceRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Discover connected devices and run one health check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(pool *farmagent.DevicePool) error {
				if err := pool.Refresh(cmd.Context()); err != nil {
					return err
				}
				return pool.HealthCheck(cmd.Context())
			})
		},
	}
}

func newDeviceResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <serial>",
		Short: "Return a battery_critical or error device to idle after a connectivity probe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(pool *farmagent.DevicePool) error {
				return pool.ResetDevice(cmd.Context(), args[0])
			})
		},
	}
}

func newDeviceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <serial>",
		Short: "Mark a device disconnected and take it out of scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(pool *farmagent.DevicePool) error {
				return pool.DeregisterDevice(cmd.Context(), args[0])
			})
		},
	}
}
