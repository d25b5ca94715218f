package commands

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantrelay/quantrelay/audit"
	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/db"
	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
	"github.com/quantrelay/quantrelay/queue"
)

// QueueCmd groups operator commands for the durable signal queue.
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the durable signal queue",
}

func init() {
	QueueCmd.AddCommand(queueStatsCmd)
	QueueCmd.AddCommand(queueCleanupCmd)
	QueueCmd.AddCommand(queueRequeueCmd)

	queueCleanupCmd.Flags().Int("days", 0, "Retention in days (default from configuration)")
}

func openQueueDB() (*sql.DB, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading configuration")
	}

	conn, err := db.Open(cfg.Queue.Path, logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(conn, logger.Logger); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, func() { conn.Close() }, nil
}

func openQueueStore() (*queue.Store, func(), error) {
	conn, closeDB, err := openQueueDB()
	if err != nil {
		return nil, nil, err
	}
	return queue.NewStore(conn), closeDB, nil
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show signal counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeDB, err := openQueueStore()
		if err != nil {
			return err
		}
		defer closeDB()

		stats, err := store.Stats()
		if err != nil {
			return err
		}

		for _, status := range []queue.Status{
			queue.StatusQueued,
			queue.StatusProcessing,
			queue.StatusExecuted,
			queue.StatusFailed,
		} {
			fmt.Printf("%-12s %d\n", status, stats[status])
		}
		return nil
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune terminal signals and audit records past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			days = cfg.Queue.RetentionDays
		}

		conn, closeDB, err := openQueueDB()
		if err != nil {
			return err
		}
		defer closeDB()

		age := time.Duration(days) * 24 * time.Hour
		removed, err := queue.NewStore(conn).CleanupOlderThan(age)
		if err != nil {
			return err
		}
		pruned, err := audit.NewLog(conn).CleanupOlderThan(age)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d signals and %d audit records older than %d days\n", removed, pruned, days)
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <signal-id>",
	Short: "Return a failed or executed signal to the queue",
	Long: `Return a terminal signal to the queue for another dispatch attempt.
Failed signals are never retried automatically; re-submission is always an
explicit operator action.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Newf("invalid signal id %q", args[0])
		}

		store, closeDB, err := openQueueStore()
		if err != nil {
			return err
		}
		defer closeDB()

		if err := store.Requeue(id, nil); err != nil {
			return err
		}
		fmt.Printf("signal %d returned to queue\n", id)
		return nil
	},
}
