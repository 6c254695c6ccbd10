package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vbmedia/packline/internal/queue"
)

var (
	queueListStatus string
	queueListType   string
	queueListLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Task queue commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in the queue",
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List tasks in the dead letter queue",
	RunE:  runQueueDLQ,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <task_id>",
	Short: "Move a dead task back to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, running, done, failed, deferred)")
	queueListCmd.Flags().StringVar(&queueListType, "type", "", "Filter by task type")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of tasks to show")

	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueDLQCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

func openTaskStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open task queue: %w", err)
	}

	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openTaskStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	filter := queue.ListFilter{
		Type:  queueListType,
		Limit: queueListLimit,
	}
	if queueListStatus != "" {
		filter.Status = queue.TaskStatus(queueListStatus)
	}

	tasks, err := storage.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	printTasks(tasks)
	fmt.Printf("\nTotal: %d tasks\n", len(tasks))

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openTaskStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:    %d\n", stats.Total)
	fmt.Printf("Pending:  %d\n", stats.Pending)
	fmt.Printf("Running:  %d\n", stats.Running)
	fmt.Printf("Deferred: %d\n", stats.Deferred)
	fmt.Printf("Done:     %d\n", stats.Done)
	fmt.Printf("Failed:   %d\n", stats.Failed)

	return nil
}

func runQueueDLQ(cmd *cobra.Command, args []string) error {
	storage, err := openTaskStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	tasks, err := storage.ListDLQ(context.Background(), queueListLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("Dead letter queue is empty")
		return nil
	}

	printTasks(tasks)
	fmt.Printf("\nTotal: %d dead tasks\n", len(tasks))

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	storage, err := openTaskStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.RetryFromDLQ(context.Background(), id); err != nil {
		return fmt.Errorf("failed to retry task: %w", err)
	}

	fmt.Printf("Task %s moved back to the pending queue\n", id)
	return nil
}

func printTasks(tasks []*queue.Task) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPACKAGE\tSTATUS\tATTEMPT\tRUN AT\tLAST ERROR")
	fmt.Fprintln(w, "--\t----\t-------\t------\t-------\t------\t----------")

	for _, t := range tasks {
		runAt := ""
		if !t.RunAt.IsZero() {
			runAt = t.RunAt.Format("2006-01-02 15:04")
		}

		lastError := t.LastError
		if len(lastError) > 50 {
			lastError = lastError[:47] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			truncateID(t.ID),
			t.Type,
			t.PackageID,
			t.Status,
			t.Attempt,
			runAt,
			lastError,
		)
	}

	w.Flush()
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
