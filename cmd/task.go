package main

import (
	"strings"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the task queue",
	}
	cmd.AddCommand(
		newTaskAddCmd(),
		newTaskListCmd(),
		newTaskShowCmd(),
		newTaskResetCmd(),
	)
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		flagApp      string
		flagTargets  []string
		flagPriority int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a pending task",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := strings.ToLower(strings.TrimSpace(flagApp))
			if app == "" {
				return errors.New("--app must be provided")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.CreateTask(cmd.Context(), farmagent.NewTask{
				AppTarget: app,
				Targets:   flagTargets,
				Priority:  flagPriority,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("task_id", task.ID).
				Str("app", task.AppTarget).
				Int("priority", task.Priority).
				Strs("targets", task.Targets).
				Msg("task enqueued")
			printf(cmd.OutOrStdout(), "%s\n", task.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagApp, "app", "", "Application id (youtube, instagram, tiktok, snapchat or a profile name)")
	cmd.Flags().StringSliceVar(&flagTargets, "target", nil, "Search target; repeatable, only the first one is searched")
	cmd.Flags().IntVar(&flagPriority, "priority", 1, "Priority; higher runs first")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		flagStatus string
		flagApp    string
		flagLimit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(cmd.Context(), farmagent.TaskFilter{
				Status:    farmagent.TaskStatus(strings.TrimSpace(flagStatus)),
				AppTarget: strings.ToLower(strings.TrimSpace(flagApp)),
				Limit:     flagLimit,
			})
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			printf(tw, "ID\tAPP\tPRIORITY\tSTATUS\tATTEMPTS\tDEVICE\tCREATED\n")
			for _, task := range tasks {
				printf(tw, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
					task.ID, task.AppTarget, task.Priority, task.Status,
					task.FailedAttempts, orDash(task.DeviceID), formatTime(task.CreatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&flagStatus, "status", "", "Filter by status")
	cmd.Flags().StringVar(&flagApp, "app", "", "Filter by application id")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum number of tasks listed")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task and its activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "id:          %s\n", task.ID)
			printf(out, "app:         %s\n", task.AppTarget)
			printf(out, "targets:     %s\n", orDash(strings.Join(task.Targets, ", ")))
			printf(out, "priority:    %d\n", task.Priority)
			printf(out, "status:      %s\n", task.Status)
			printf(out, "attempts:    %d\n", task.FailedAttempts)
			printf(out, "device:      %s\n", orDash(task.DeviceID))
			printf(out, "created:     %s\n", formatTime(task.CreatedAt))
			printf(out, "started:     %s\n", formatTimePtr(task.StartTime))
			printf(out, "completed:   %s\n", formatTimePtr(task.CompletedAt))
			printf(out, "last error:  %s\n", orDash(task.LastError))

			entries, err := store.ListActivity(cmd.Context(), farmagent.ActivityFilter{TaskID: task.ID})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			printf(out, "\n")
			return printActivity(out, entries)
		},
	}
}

func newTaskResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Requeue a failed task with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if task.Status == farmagent.TaskRunning {
				return errors.Errorf("task %s is running on %s", task.ID, task.DeviceID)
			}
			expect := task.Status
			pending := farmagent.TaskPending
			zero := 0
			empty := ""
			updated, err := store.UpdateTask(cmd.Context(), task.ID, farmagent.TaskPatch{
				ExpectStatus:   &expect,
				Status:         &pending,
				FailedAttempts: &zero,
				DeviceID:       &empty,
				LastError:      &empty,
			})
			if err != nil {
				return err
			}
			log.Info().Str("task_id", updated.ID).Str("previous", string(expect)).Msg("task requeued")
			return nil
		},
	}
}
