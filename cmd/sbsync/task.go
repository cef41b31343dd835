package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/schema"
	"github.com/studybuddy/studysync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "data",
	Short:   "Create, list, and delete study tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Long: `Add a task to the cache. With a remote configured the task is pushed
immediately; otherwise, or if the push fails, it is queued for the next sync.

Examples:
  sbsync task add "Essay draft" --due "next friday 5pm" --course HIST101
  sbsync task add "Problem set 4" --due 2024-03-10 --priority 2 --duration 90`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := &schema.Task{Title: strings.Join(args, " ")}
		task.Type, _ = cmd.Flags().GetString("type")
		task.CourseLabel, _ = cmd.Flags().GetString("course")
		task.Priority, _ = cmd.Flags().GetInt("priority")
		task.EstimatedDuration, _ = cmd.Flags().GetInt("duration")

		if due, _ := cmd.Flags().GetString("due"); due != "" {
			t, err := parseDue(due, time.Now())
			if err != nil {
				return err
			}
			task.DueDate = &t
		}

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		stored, err := a.repo.UpsertTask(cmd.Context(), task)
		if err != nil {
			return err
		}
		printSaved("Task", stored.ID, stored.Title, stored.Dirty)
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.db.GetTaskByID(cmd.Context(), id)
		if err != nil {
			return err
		}
		task.State = schema.StateDone
		stored, err := a.repo.UpsertTask(cmd.Context(), task)
		if err != nil {
			return err
		}
		printSaved("Task", stored.ID, stored.Title, stored.Dirty)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached tasks",
	Long: `List tasks from the local cache.

Filters (--filter): All, Today, Upcoming, "By Course", "By Priority"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := db.TaskFilter{}
		filter.Mode, _ = cmd.Flags().GetString("filter")
		filter.Search, _ = cmd.Flags().GetString("search")
		filter.DirtyOnly, _ = cmd.Flags().GetBool("dirty")
		filter.IncludeDeleted, _ = cmd.Flags().GetBool("all")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.repo.ListTasks(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tasks)
		}
		if len(tasks) == 0 {
			fmt.Println(ui.RenderMuted("No tasks."))
			return nil
		}

		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				strconv.FormatInt(t.ID, 10),
				t.Title,
				t.CourseLabel,
				formatTime(t.DueDate),
				strconv.Itoa(t.Priority),
				t.State,
				syncMark(&t.SyncMeta),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "TITLE", "COURSE", "DUE", "PRI", "STATE", "SYNC"}, rows)
		return nil
	},
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.repo.DeleteTask(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("%s Deleted task %d\n", ui.RenderPass("✓"), id)
		return nil
	},
}

var eventCmd = &cobra.Command{
	Use:     "event",
	GroupID: "data",
	Short:   "Create and list calendar events",
}

var eventAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add an in-app calendar event",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		event := &schema.Event{Title: strings.Join(args, " ")}
		event.Description, _ = cmd.Flags().GetString("description")

		now := time.Now()
		for flag, dst := range map[string]**time.Time{"start": &event.StartTime, "end": &event.EndTime} {
			v, _ := cmd.Flags().GetString(flag)
			if v == "" {
				continue
			}
			t, err := parseDue(v, now)
			if err != nil {
				return fmt.Errorf("--%s: %w", flag, err)
			}
			*dst = &t
		}

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		stored, err := a.repo.UpsertEvent(cmd.Context(), event)
		if err != nil {
			return err
		}
		printSaved("Event", stored.ID, stored.Title, stored.Dirty)
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := db.EventFilter{}
		filter.Source, _ = cmd.Flags().GetString("source")
		filter.Search, _ = cmd.Flags().GetString("search")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		if days, _ := cmd.Flags().GetInt("days"); days > 0 {
			filter.From = time.Now().UTC().Truncate(24 * time.Hour)
			filter.To = filter.From.AddDate(0, 0, days)
		}

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.repo.ListEvents(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println(ui.RenderMuted("No events."))
			return nil
		}
		rows := make([][]string, 0, len(events))
		for _, e := range events {
			rows = append(rows, []string{
				strconv.FormatInt(e.ID, 10),
				e.Title,
				e.Source,
				formatTime(e.StartTime),
				formatTime(e.EndTime),
				syncMark(&e.SyncMeta),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "TITLE", "SOURCE", "START", "END", "SYNC"}, rows)
		return nil
	},
}

func printSaved(kind string, id int64, title string, dirty bool) {
	if dirty {
		fmt.Printf("%s %s %d saved offline: %s (queued for sync)\n", ui.RenderWarn("⚠"), kind, id, title)
		return
	}
	fmt.Printf("%s %s %d synced: %s\n", ui.RenderPass("✓"), kind, id, title)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func syncMark(m *schema.SyncMeta) string {
	switch {
	case m.Deleted():
		return ui.RenderMuted("deleted")
	case m.Dirty:
		return ui.RenderWarn("pending")
	default:
		return ui.RenderPass("synced")
	}
}

func init() {
	taskAddCmd.Flags().String("type", "", "task type (e.g. assignment, reading)")
	taskAddCmd.Flags().String("due", "", `due date: RFC 3339, YYYY-MM-DD, or natural language ("next friday 5pm")`)
	taskAddCmd.Flags().String("course", "", "course label")
	taskAddCmd.Flags().Int("priority", 0, "priority (higher is more urgent)")
	taskAddCmd.Flags().Int("duration", 0, "estimated duration in minutes")

	taskListCmd.Flags().String("filter", db.FilterAll, "filter mode")
	taskListCmd.Flags().String("search", "", "case-insensitive text search")
	taskListCmd.Flags().Bool("dirty", false, "only rows awaiting sync")
	taskListCmd.Flags().Bool("all", false, "include deleted rows")
	taskListCmd.Flags().Int("limit", 0, "maximum rows (0 = no limit)")
	taskListCmd.Flags().Bool("json", false, "output JSON")

	eventAddCmd.Flags().String("start", "", "start time")
	eventAddCmd.Flags().String("end", "", "end time")
	eventAddCmd.Flags().String("description", "", "description")

	eventListCmd.Flags().String("source", "", "provider filter (e.g. google, app)")
	eventListCmd.Flags().String("search", "", "case-insensitive text search")
	eventListCmd.Flags().Int("days", 0, "only events starting within this many days")
	eventListCmd.Flags().Int("limit", 0, "maximum rows (0 = no limit)")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDoneCmd, taskRmCmd)
	eventCmd.AddCommand(eventAddCmd, eventListCmd)
	rootCmd.AddCommand(taskCmd, eventCmd)
}
