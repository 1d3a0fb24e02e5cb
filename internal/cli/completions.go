package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// completeTaskIDs returns a completion function that lists task IDs from a
// running daemon, optionally limited to the given statuses. It never starts
// a daemon.
func completeTaskIDs(onlyStatuses ...models.TaskStatus) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 || ensureClient() != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		if _, ok := Client.DaemonInfo(); !ok {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tasks, err := Client.ListTasks(ctx, protocol.ListTasks{})
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		allowed := make(map[models.TaskStatus]bool)
		for _, s := range onlyStatuses {
			allowed[s] = true
		}

		var ids []string
		for _, task := range tasks {
			if len(allowed) > 0 && !allowed[task.Status] {
				continue
			}
			if toComplete == "" || strings.HasPrefix(task.ID, toComplete) {
				ids = append(ids, task.ID+"\t"+string(task.Status)+": "+truncate(taskLabel(task), 40))
			}
		}
		return ids, cobra.ShellCompDirectiveNoFileComp
	}
}

// completeStatuses completes task status values.
func completeStatuses(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return []string{
		"pending\tQueued for a free slot",
		"running\tExecuting now",
		"completed\tFinished successfully",
		"failed\tFinished with an error",
		"cancelled\tStopped on request",
		"interrupted\tRunning when the daemon went down",
	}, cobra.ShellCompDirectiveNoFileComp
}

// completeTaskTypes completes task type values.
func completeTaskTypes(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return []string{
		"agent\tAgent reasoning loop",
		"process\tShell command",
	}, cobra.ShellCompDirectiveNoFileComp
}

// ensureClient bootstraps outside the normal pre-run, which shell
// completion skips.
func ensureClient() error {
	if Client != nil {
		return nil
	}
	if Bootstrap == nil {
		return errNotInitialized
	}
	return Bootstrap(homeDir, configFile)
}
