package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbmedia/packline/internal/model"
	"github.com/vbmedia/packline/internal/pipeline"
	"github.com/vbmedia/packline/internal/queue"
	"github.com/vbmedia/packline/internal/store"
)

var packageListStatus string

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Package inspection and recovery commands",
}

var packageShowCmd = &cobra.Command{
	Use:   "show <package_id>",
	Short: "Show package details",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageShow,
}

var packageEventsCmd = &cobra.Command{
	Use:   "events <package_id>",
	Short: "Show package history",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageEvents,
}

var packageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages by status",
	RunE:  runPackageList,
}

var packageRecoverCmd = &cobra.Command{
	Use:   "recover [package_id]",
	Short: "Re-drive a stalled package from production",
	Long: `Re-drive a stalled package from production.

With a package id, recovers that package. With --all, sweeps every erroneus
package whose last error is younger than --max-age.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPackageRecover,
}

var (
	recoverAll    bool
	recoverMaxAge time.Duration
)

func init() {
	packageListCmd.Flags().StringVar(&packageListStatus, "status", "erroneus", "Package status to list")
	packageRecoverCmd.Flags().BoolVar(&recoverAll, "all", false, "Recover all recently failed packages")
	packageRecoverCmd.Flags().DurationVar(&recoverMaxAge, "max-age", 24*time.Hour, "Maximum age of the last error when sweeping with --all")

	packageCmd.AddCommand(packageShowCmd, packageEventsCmd, packageListCmd, packageRecoverCmd)
	rootCmd.AddCommand(packageCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package store: %w", err)
	}

	return st, nil
}

func parsePackageID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid package id: %s", arg)
	}
	return id, nil
}

func runPackageShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := parsePackageID(args[0])
	if err != nil {
		return err
	}

	pkg, err := st.GetPackage(id)
	if err != nil {
		return fmt.Errorf("failed to get package: %w", err)
	}

	fmt.Printf("Package: %d\n\n", pkg.ID)
	fmt.Printf("Status:    %s\n", pkg.Status)
	fmt.Printf("Company:   %s\n", pkg.CompanyID)
	fmt.Printf("Campaign:  %s\n", pkg.CampaignID)
	fmt.Printf("Recipient: %s", pkg.RecipientName)
	if pkg.RecipientEmail != "" {
		fmt.Printf(" <%s>", pkg.RecipientEmail)
	}
	if pkg.RecipientPhone != "" {
		fmt.Printf(" %s", pkg.RecipientPhone)
	}
	fmt.Println()
	fmt.Printf("Created:   %s\n", pkg.CreatedAt.Format(time.RFC3339))

	if pkg.Session != "" {
		fmt.Printf("Session:   %s\n", pkg.Session)
	}
	if pkg.QueuedUntil != nil {
		fmt.Printf("Queued:    until %s\n", pkg.QueuedUntil.Format(time.RFC3339))
	}
	if pkg.RenderKey != "" {
		fmt.Printf("Render:    %s\n", pkg.RenderKey)
	}
	if pkg.StreamingKey != "" {
		fmt.Printf("Streaming: %s\n", pkg.StreamingKey)
	}
	if pkg.LandingPageURL != "" {
		fmt.Printf("Landing:   %s\n", pkg.LandingPageURL)
	}
	if pkg.LastMailed != nil {
		fmt.Printf("Mailed:    %s\n", pkg.LastMailed.Format(time.RFC3339))
	}

	if pkg.VideoViews > 0 || pkg.ViewedTime > 0 || pkg.ShareCount > 0 || len(pkg.VisitViews) > 0 {
		fmt.Println("\nEngagement")
		fmt.Printf("  Video views: %d (%ds watched)\n", pkg.VideoViews, pkg.ViewedTime)
		fmt.Printf("  Shares:      %d\n", pkg.ShareCount)
		for service, count := range pkg.VisitViews {
			fmt.Printf("  Visits:      %s ×%d\n", service, count)
		}
	}

	lastErr, err := st.LastErrorEvent(id)
	if err == nil && lastErr != nil {
		fmt.Printf("\nLast Error (%s):\n  %s\n", lastErr.Time.Format(time.RFC3339), lastErr.Description)
	}

	return nil
}

func runPackageEvents(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := parsePackageID(args[0])
	if err != nil {
		return err
	}

	events, err := st.Events(id)
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No events")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tMESSAGE")
	fmt.Fprintln(w, "----\t----\t-------")

	for _, e := range events {
		msg := strings.ReplaceAll(e.Message(), "\n", " ")
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Time.Format("2006-01-02 15:04:05"), e.Type, msg)
	}

	w.Flush()
	return nil
}

func runPackageList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	packages, err := st.ListByStatus(model.Status(packageListStatus))
	if err != nil {
		return fmt.Errorf("failed to list packages: %w", err)
	}

	if len(packages) == 0 {
		fmt.Printf("No packages in status %s\n", packageListStatus)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMPANY\tCAMPAIGN\tRECIPIENT\tCREATED")
	fmt.Fprintln(w, "--\t-------\t--------\t---------\t-------")

	for _, pkg := range packages {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			pkg.ID,
			pkg.CompanyID,
			pkg.CampaignID,
			pkg.RecipientName,
			pkg.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d packages\n", len(packages))

	return nil
}

func runPackageRecover(cmd *cobra.Command, args []string) error {
	if recoverAll == (len(args) == 1) {
		return fmt.Errorf("specify either a package id or --all")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open package store: %w", err)
	}
	defer st.Close()

	taskStore, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to open task queue: %w", err)
	}
	defer taskStore.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	runner := queue.NewRunner(taskStore, queue.RunnerConfig{}, logger)

	pipe := pipeline.New(pipeline.Options{
		Store:  st,
		Runner: runner,
		Logger: logger,
	})

	ctx := context.Background()

	if !recoverAll {
		id, err := parsePackageID(args[0])
		if err != nil {
			return err
		}
		if err := pipe.Recover(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Package %d queued for production; the running service will pick it up\n", id)
		return nil
	}

	packages, err := st.ListByStatus(model.StatusErroneus)
	if err != nil {
		return fmt.Errorf("failed to list failed packages: %w", err)
	}

	cutoff := time.Now().Add(-recoverMaxAge)
	recovered := 0
	for _, pkg := range packages {
		lastErr, err := st.LastErrorEvent(pkg.ID)
		if err != nil {
			return err
		}
		if lastErr == nil || lastErr.Time.Before(cutoff) {
			continue
		}
		if err := pipe.Recover(ctx, pkg.ID); err != nil {
			fmt.Printf("Package %d: %v\n", pkg.ID, err)
			continue
		}
		fmt.Printf("Package %d queued for production\n", pkg.ID)
		recovered++
	}

	fmt.Printf("\nRecovered %d of %d failed packages\n", recovered, len(packages))
	return nil
}
