package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/critvalue/internal/config"
	"github.com/ehr/critvalue/internal/domain/critical"
	"github.com/ehr/critvalue/internal/platform/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "critvalue-server",
		Short:         "Critical lab value detection and escalation service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(rangesCmd())
	root.AddCommand(classifyCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.UsesDatabase() {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, db.EmbeddedMigrations()))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}

func rangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranges",
		Short: "Print the configured critical ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			table, err := critical.LoadRangeTable(file)
			if err != nil {
				return err
			}
			printRanges(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().String("file", os.Getenv("CRITICAL_RANGES_FILE"), "YAML file with extra or overriding ranges")
	return cmd
}

func printRanges(w io.Writer, table *critical.RangeTable) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tLOW\tHIGH\tUNITS\tPRIORITY")
	for _, r := range table.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.TestName, bound(r.Low), bound(r.High), r.Units, r.Priority)
	}
	tw.Flush()
}

func bound(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <test> <value>",
		Short: "Classify a single result against the critical ranges",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("value must be numeric: %w", err)
			}
			file, _ := cmd.Flags().GetString("file")
			table, err := critical.LoadRangeTable(file)
			if err != nil {
				return err
			}

			cls := critical.NewEvaluator(table).Classify(args[0], value)
			out := cmd.OutOrStdout()
			if !cls.Critical {
				fmt.Fprintf(out, "%s %s: not critical\n", args[0], args[1])
				return nil
			}
			fmt.Fprintf(out, "%s %s %s: %s (priority %s)\n",
				cls.Range.TestName, args[1], cls.Range.Units, cls.Severity, cls.Priority)
			return nil
		},
	}
	cmd.Flags().String("file", os.Getenv("CRITICAL_RANGES_FILE"), "YAML file with extra or overriding ranges")
	return cmd
}
