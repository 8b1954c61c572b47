package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/comigor/taskpilot/internal/backend"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	gray   = color.New(color.FgHiBlack)
	red    = color.New(color.FgRed)
)

var priorityColors = map[string]*color.Color{
	backend.PriorityHigh:   red,
	backend.PriorityMedium: yellow,
	backend.PriorityLow:    green,
}

func (rt *runtime) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "List and change tasks",
	}
	cmd.AddCommand(rt.tasksListCmd())
	cmd.AddCommand(rt.tasksAddCmd())
	cmd.AddCommand(rt.tasksUpdateCmd())
	cmd.AddCommand(rt.tasksDoneCmd())
	cmd.AddCommand(rt.tasksRmCmd())
	return cmd
}

func (rt *runtime) tasksListCmd() *cobra.Command {
	var (
		filter backend.TaskFilter
		status string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch status {
			case "all", "pending", "completed":
			default:
				return fmt.Errorf("--status must be all, pending or completed")
			}
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Tasks.Tasks(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			w := cmd.OutOrStdout()
			shown := 0
			for _, t := range list {
				if (status == "pending" && t.Completed) || (status == "completed" && !t.Completed) {
					continue
				}
				printTask(w, t)
				shown++
			}
			if shown == 0 {
				fmt.Fprintln(w, "No tasks found.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&filter.Search, "search", "s", "", "only tasks whose title, description or category contains this")
	cmd.Flags().StringVar(&filter.Category, "category", "", "only tasks in this category")
	cmd.Flags().StringVar(&status, "status", "all", "all, pending or completed")
	return cmd
}

func printTask(w io.Writer, t backend.Task) {
	mark := yellow.Sprint("○")
	title := t.Title
	if t.Completed {
		mark = green.Sprint("✓")
		title = gray.Sprint(title)
	}
	fmt.Fprintf(w, "%s %s %s", mark, cyan.Sprintf("#%d", t.ID), title)
	if c, ok := priorityColors[t.Priority]; ok {
		fmt.Fprintf(w, " %s", c.Sprintf("[%s]", t.Priority))
	}
	if t.Category != "" {
		fmt.Fprintf(w, " %s", gray.Sprintf("(%s)", t.Category))
	}
	fmt.Fprintln(w)
	if t.Description != "" {
		fmt.Fprintf(w, "    %s\n", t.Description)
	}
}

func (rt *runtime) tasksAddCmd() *cobra.Command {
	var in backend.TaskCreate
	cmd := &cobra.Command{
		Use:   "add <title>...",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = strings.Join(args, " ")
			in.Priority = strings.ToLower(in.Priority)

			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.Tasks.CreateTask(cmd.Context(), in)
			if err != nil {
				return fmt.Errorf("add task: %w", err)
			}
			green.Fprint(cmd.OutOrStdout(), "Added ")
			printTask(cmd.OutOrStdout(), *task)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in.Description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&in.Priority, "priority", "p", backend.PriorityMedium, "low, medium or high")
	cmd.Flags().StringVar(&in.Category, "category", "General", "task category")
	return cmd
}

func (rt *runtime) tasksUpdateCmd() *cobra.Command {
	var title, description, priority, category string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var in backend.TaskUpdate
			flags := cmd.Flags()
			if flags.Changed("title") {
				in.Title = &title
			}
			if flags.Changed("description") {
				in.Description = &description
			}
			if flags.Changed("priority") {
				p := strings.ToLower(priority)
				in.Priority = &p
			}
			if flags.Changed("category") {
				in.Category = &category
			}
			if in == (backend.TaskUpdate{}) {
				return fmt.Errorf("nothing to update; pass at least one of --title, --description, --priority, --category")
			}

			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.Tasks.UpdateTask(cmd.Context(), id, in)
			if err != nil {
				return fmt.Errorf("update task %d: %w", id, err)
			}
			green.Fprint(cmd.OutOrStdout(), "Updated ")
			printTask(cmd.OutOrStdout(), *task)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "new priority")
	cmd.Flags().StringVar(&category, "category", "", "new category")
	return cmd
}

func (rt *runtime) tasksDoneCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.Tasks.ToggleTask(cmd.Context(), id, !undo)
			if err != nil {
				return fmt.Errorf("complete task %d: %w", id, err)
			}
			printTask(cmd.OutOrStdout(), *task)
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the task as pending again")
	return cmd
}

func (rt *runtime) tasksRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Tasks.DeleteTask(cmd.Context(), id); err != nil {
				return fmt.Errorf("delete task %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted task #%d\n", id)
			return nil
		},
	}
}
