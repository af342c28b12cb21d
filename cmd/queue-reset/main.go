package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/erpbridge/config"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/mmdatafocus/erpbridge/utils"
	"github.com/spf13/pflag"
)

// Operator tool for the sync queue: list rows, or move failed rows back to
// pending with a fresh retry budget. Writes need --dry-run=false --confirm=RESET.
func main() {
	flagSet := pflag.NewFlagSet("queue-reset", pflag.ExitOnError)
	id := flagSet.Uint("id", 0, "reset a single failed queue item")
	all := flagSet.Bool("all", false, "reset every failed queue item")
	list := flagSet.Bool("list", false, "list queue items and exit")
	status := flagSet.String("status", "failed", "status filter for --list (pending, processing, done, failed)")
	limit := flagSet.Int("limit", 50, "rows to print with --list")
	dryRun := flagSet.Bool("dry-run", true, "show what would be reset (no writes)")
	confirm := flagSet.String("confirm", "", "type RESET to proceed when --dry-run=false")
	_ = flagSet.Parse(os.Args[1:])

	if !*list && *id == 0 && !*all {
		fmt.Fprintln(os.Stderr, "one of --list, --id or --all is required")
		os.Exit(1)
	}
	if *id != 0 && *all {
		fmt.Fprintln(os.Stderr, "--id and --all are mutually exclusive")
		os.Exit(1)
	}
	filterStatus := models.QueueStatus(strings.ToLower(strings.TrimSpace(*status)))
	if filterStatus != "" && !filterStatus.IsValid() {
		fmt.Fprintf(os.Stderr, "invalid --status %q\n", *status)
		os.Exit(1)
	}
	if !*list && !*dryRun && strings.TrimSpace(*confirm) != "RESET" {
		fmt.Fprintln(os.Stderr, "set --confirm=RESET to proceed")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	store := models.NewQueueStore(config.GetDB(), config.GetQueueConfig().MaxRetries)
	ctx = utils.SetActorInContext(ctx, "queue-reset")

	switch {
	case *list:
		printItems(ctx, store, models.QueueFilter{Status: filterStatus, Limit: *limit})
	case *dryRun && *id != 0:
		item, err := store.Get(ctx, uint(*id))
		if err != nil {
			fmt.Fprintf(os.Stderr, "not found: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Will reset:")
		printItem(*item)
		if item.Status != models.QueueStatusFailed {
			fmt.Fprintf(os.Stderr, "\nWARNING: item is %s, only failed items can be reset\n", item.Status)
			os.Exit(1)
		}
	case *dryRun:
		printItems(ctx, store, models.QueueFilter{Status: models.QueueStatusFailed, Limit: *limit})
	case *id != 0:
		if err := store.ManualReset(ctx, uint(*id)); err != nil {
			fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reset queue item id=%d to pending\n", *id)
	default:
		n, err := store.ResetAllFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reset %d failed queue items to pending\n", n)
	}
}

func printItems(ctx context.Context, store *models.QueueStore, filter models.QueueFilter) {
	items, total, err := store.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d item(s) with status=%s, showing %d\n", total, filter.Status, len(items))
	for _, item := range items {
		printItem(item)
	}
}

func printItem(item models.QueueItem) {
	fmt.Printf("  id=%d status=%s category=%s retries=%d\n", item.ID, item.Status, item.EventCategory, item.RetryCount)
	fmt.Printf("    external_doc_ref=%s correlation_ref=%s created_at=%s\n",
		item.ExternalDocRef, item.CorrelationRef, item.CreatedAt.Format("2006-01-02 15:04:05"))
	if msg := utils.DereferencePtr(item.ErrorMessage); msg != "" {
		fmt.Printf("    error=%s\n", msg)
	}
}
