package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect and control tasks",
	Long: `Task commands talk to the daemon, starting it first when
client.auto_start is enabled.`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent or process task",
}

// Flags shared by both create subcommands.
var taskCreateFlags struct {
	name        string
	description string
	metadata    []string
	follow      bool
	format      outputFormat

	model         string
	maxIterations int

	workdir string
	timeout time.Duration
	env     []string
}

var taskCreateAgentCmd = &cobra.Command{
	Use:   "agent <prompt>",
	Short: "Start an agent task for a prompt",
	Long: `Start an agent task. The daemon drives the configured agent CLI
(agent.command) for up to --max-iterations rounds and records every
response in the task output.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := map[string]any{"prompt": strings.Join(args, " ")}
		if taskCreateFlags.model != "" {
			cfg["model"] = taskCreateFlags.model
		}
		if taskCreateFlags.maxIterations > 0 {
			cfg["max_iterations"] = taskCreateFlags.maxIterations
		}
		return createTask(cmd, models.TaskTypeAgent, cfg)
	},
}

var taskCreateProcessCmd = &cobra.Command{
	Use:   "process <command>",
	Short: "Run a shell command as a task",
	Long: `Run a shell command in the background. Use -- to stop flag parsing:

  taskd task create process -- make test -j4`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := map[string]any{"command": strings.Join(args, " ")}
		workdir := taskCreateFlags.workdir
		if workdir == "" {
			// The daemon's own cwd means nothing to the caller.
			if wd, err := os.Getwd(); err == nil {
				workdir = wd
			}
		}
		if workdir != "" {
			cfg["working_directory"] = workdir
		}
		if taskCreateFlags.timeout > 0 {
			cfg["timeout"] = taskCreateFlags.timeout.String()
		}
		if len(taskCreateFlags.env) > 0 {
			env, err := parseKeyValues(taskCreateFlags.env)
			if err != nil {
				return fmt.Errorf("parsing --env: %w", err)
			}
			vars := make(map[string]any, len(env))
			for k, v := range env {
				vars[k] = v
			}
			cfg["env"] = vars
		}
		return createTask(cmd, models.TaskTypeProcess, cfg)
	},
}

func createTask(cmd *cobra.Command, typ models.TaskType, cfg map[string]any) error {
	meta, err := parseKeyValues(taskCreateFlags.metadata)
	if err != nil {
		return fmt.Errorf("parsing --meta: %w", err)
	}
	metadata := map[string]any{"source": "cli"}
	for k, v := range meta {
		metadata[k] = v
	}

	task, err := Client.CreateTask(cmd.Context(), protocol.CreateTask{
		Name:        taskCreateFlags.name,
		Description: taskCreateFlags.description,
		TaskType:    typ,
		Config:      cfg,
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("creating %s task: %w", typ, err)
	}

	if !taskCreateFlags.follow {
		if done, err := taskCreateFlags.format.write(cmd.OutOrStdout(), task); done {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s task %s\n", task.Type, task.ID)
		fmt.Fprintln(cmd.OutOrStdout(), hintStyle.Render("follow it with `taskd task follow "+task.ID+"`"))
		return nil
	}
	return followTask(cmd, task.ID, 500*time.Millisecond)
}

var taskListFlags struct {
	status   string
	taskType string
	limit    int
	format   outputFormat
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := protocol.ListTasks{
			Status:   models.TaskStatus(taskListFlags.status),
			TaskType: models.TaskType(taskListFlags.taskType),
			Limit:    taskListFlags.limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("invalid --status %q", taskListFlags.status)
		}
		if filter.TaskType != "" && !filter.TaskType.Valid() {
			return fmt.Errorf("invalid --type %q", taskListFlags.taskType)
		}

		tasks, err := Client.ListTasks(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if done, err := taskListFlags.format.write(cmd.OutOrStdout(), protocol.ListTasksResult{Tasks: tasks, Count: len(tasks)}); done {
			return err
		}
		printTaskTable(cmd.OutOrStdout(), tasks)
		return nil
	},
}

var taskGetFormat outputFormat

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := Client.GetTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("getting task %s: %w", args[0], err)
		}
		if done, err := taskGetFormat.write(cmd.OutOrStdout(), task); done {
			return err
		}
		printTaskDetail(cmd.OutOrStdout(), task)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := Client.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancelling task %s: %w", args[0], err)
		}
		if ok {
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is not active; nothing to cancel\n", args[0])
		}
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:     "delete <task-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a task and its output",
	Long:    `Delete a task, its output log and its event log. An active task is cancelled first.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := Client.DeleteTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("deleting task %s: %w", args[0], err)
		}
		if !ok {
			return fmt.Errorf("task %s was not deleted", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
		return nil
	},
}

var taskOutputFlags struct {
	offset int64
	limit  int
	format outputFormat
}

var taskOutputCmd = &cobra.Command{
	Use:   "output <task-id>",
	Short: "Print a task's output log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := Client.GetOutput(cmd.Context(), args[0], taskOutputFlags.offset, taskOutputFlags.limit)
		if err != nil {
			return fmt.Errorf("reading output of %s: %w", args[0], err)
		}
		if done, err := taskOutputFlags.format.write(cmd.OutOrStdout(), out); done {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out.Output)
		return nil
	},
}

var taskFollowInterval time.Duration

var taskFollowCmd = &cobra.Command{
	Use:   "follow <task-id>",
	Short: "Stream a task's output until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return followTask(cmd, args[0], taskFollowInterval)
	},
}

// followTask streams output and reports how the task ended. A task that
// did not complete makes the command fail.
func followTask(cmd *cobra.Command, taskID string, interval time.Duration) error {
	task, err := Client.FollowOutput(cmd.Context(), taskID, interval, cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("following task %s: %w", taskID, err)
	}
	status := styleForStatus(task.Status).Render(string(task.Status))
	fmt.Fprintf(cmd.ErrOrStderr(), "\ntask %s %s\n", taskID, status)
	if task.Status != models.StatusCompleted {
		if task.Error != "" {
			return fmt.Errorf("task %s %s: %s", taskID, task.Status, task.Error)
		}
		return fmt.Errorf("task %s %s", taskID, task.Status)
	}
	return nil
}

var taskEventsFlags struct {
	offset int
	limit  int
	format outputFormat
}

var taskEventsCmd = &cobra.Command{
	Use:   "events <task-id>",
	Short: "Print a task's lifecycle events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := Client.GetEvents(cmd.Context(), args[0], taskEventsFlags.offset, taskEventsFlags.limit)
		if err != nil {
			return fmt.Errorf("reading events of %s: %w", args[0], err)
		}
		if done, err := taskEventsFlags.format.write(cmd.OutOrStdout(), res); done {
			return err
		}
		w := cmd.OutOrStdout()
		if len(res.Events) == 0 {
			fmt.Fprintln(w, "No events.")
			return nil
		}
		for _, ev := range res.Events {
			fmt.Fprintf(w, "%s  %s  %s\n",
				labelStyle.Render(ev.Time.Local().Format("15:04:05.000")),
				headerStyle.Render(fmt.Sprintf("%-16s", ev.Type)),
				ev.Message)
		}
		return nil
	},
}

// parseKeyValues turns repeated key=value flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	for _, c := range []*cobra.Command{taskCreateAgentCmd, taskCreateProcessCmd} {
		f := c.Flags()
		f.StringVar(&taskCreateFlags.name, "name", "", "Short task name")
		f.StringVar(&taskCreateFlags.description, "description", "", "Longer task description")
		f.StringArrayVar(&taskCreateFlags.metadata, "meta", nil, "Metadata key=value (repeatable)")
		f.BoolVarP(&taskCreateFlags.follow, "follow", "f", false, "Stream output until the task finishes")
		addFormatFlags(c, &taskCreateFlags.format)
	}
	taskCreateAgentCmd.Flags().StringVar(&taskCreateFlags.model, "model", "", "Model passed to the agent CLI")
	taskCreateAgentCmd.Flags().IntVar(&taskCreateFlags.maxIterations, "max-iterations", 0, "Iteration cap (default agent.max_iterations)")
	taskCreateProcessCmd.Flags().StringVar(&taskCreateFlags.workdir, "cwd", "", "Working directory (default: current directory)")
	taskCreateProcessCmd.Flags().DurationVar(&taskCreateFlags.timeout, "timeout", 0, "Kill the process after this long (default process.default_timeout)")
	taskCreateProcessCmd.Flags().StringArrayVar(&taskCreateFlags.env, "env", nil, "Extra environment KEY=VALUE (repeatable)")
	taskCreateCmd.AddCommand(taskCreateAgentCmd, taskCreateProcessCmd)

	taskListCmd.Flags().StringVar(&taskListFlags.status, "status", "", "Filter by status")
	taskListCmd.Flags().StringVar(&taskListFlags.taskType, "type", "", "Filter by type (agent, process)")
	taskListCmd.Flags().IntVarP(&taskListFlags.limit, "limit", "n", 0, "Maximum number of tasks")
	addFormatFlags(taskListCmd, &taskListFlags.format)
	_ = taskListCmd.RegisterFlagCompletionFunc("status", completeStatuses)
	_ = taskListCmd.RegisterFlagCompletionFunc("type", completeTaskTypes)

	addFormatFlags(taskGetCmd, &taskGetFormat)
	taskGetCmd.ValidArgsFunction = completeTaskIDs()

	taskCancelCmd.ValidArgsFunction = completeTaskIDs(models.StatusPending, models.StatusRunning)
	taskDeleteCmd.ValidArgsFunction = completeTaskIDs()

	taskOutputCmd.Flags().Int64Var(&taskOutputFlags.offset, "offset", 0, "Byte offset to start from")
	taskOutputCmd.Flags().IntVar(&taskOutputFlags.limit, "limit", 0, "Maximum bytes (0 reads to the end)")
	addFormatFlags(taskOutputCmd, &taskOutputFlags.format)
	taskOutputCmd.ValidArgsFunction = completeTaskIDs()

	taskFollowCmd.Flags().DurationVar(&taskFollowInterval, "interval", 500*time.Millisecond, "Poll interval")
	taskFollowCmd.ValidArgsFunction = completeTaskIDs()

	taskEventsCmd.Flags().IntVar(&taskEventsFlags.offset, "offset", 0, "Skip this many events")
	taskEventsCmd.Flags().IntVar(&taskEventsFlags.limit, "limit", 0, "Maximum events (0 reads all)")
	addFormatFlags(taskEventsCmd, &taskEventsFlags.format)
	taskEventsCmd.ValidArgsFunction = completeTaskIDs()

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskGetCmd, taskCancelCmd, taskDeleteCmd,
		taskOutputCmd, taskFollowCmd, taskEventsCmd)
	rootCmd.AddCommand(taskCmd)
}

