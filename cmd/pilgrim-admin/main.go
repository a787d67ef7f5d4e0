// Package main provides pilgrim-admin, the operator tool for the pilgrim
// databases: schema creation, retention of the after-action record, replay
// and statistics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/storage"
)

const (
	Version = "0.1.0"
	appName = "pilgrim-admin"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := storage.DefaultConfig()

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Administer pilgrim databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&cfg.Postgres.Host, "pg-host", envOrDefault("POSTGRES_HOST", cfg.Postgres.Host), "PostgreSQL host")
	f.IntVar(&cfg.Postgres.Port, "pg-port", envOrDefaultInt("POSTGRES_PORT", cfg.Postgres.Port), "PostgreSQL port")
	f.StringVar(&cfg.Postgres.User, "pg-user", envOrDefault("POSTGRES_USER", cfg.Postgres.User), "PostgreSQL user")
	f.StringVar(&cfg.Postgres.Password, "pg-password", envOrDefault("POSTGRES_PASSWORD", cfg.Postgres.Password), "PostgreSQL password")
	f.StringVar(&cfg.Postgres.Database, "pg-database", envOrDefault("POSTGRES_DATABASE", cfg.Postgres.Database), "PostgreSQL database")
	f.StringVar(&cfg.ClickHouse.Host, "ch-host", envOrDefault("CLICKHOUSE_HOST", cfg.ClickHouse.Host), "ClickHouse host (empty: disabled)")
	f.IntVar(&cfg.ClickHouse.Port, "ch-port", envOrDefaultInt("CLICKHOUSE_PORT", cfg.ClickHouse.Port), "ClickHouse port")
	f.StringVar(&cfg.ClickHouse.Database, "ch-database", envOrDefault("CLICKHOUSE_DATABASE", cfg.ClickHouse.Database), "ClickHouse database")
	f.StringVar(&cfg.ClickHouse.User, "ch-user", envOrDefault("CLICKHOUSE_USER", cfg.ClickHouse.User), "ClickHouse user")
	f.StringVar(&cfg.ClickHouse.Password, "ch-password", envOrDefault("CLICKHOUSE_PASSWORD", cfg.ClickHouse.Password), "ClickHouse password")

	cmd.AddCommand(
		migrateCmd(&cfg),
		trimCmd(&cfg),
		replayCmd(&cfg),
		kmlCmd(&cfg),
		statsCmd(&cfg),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func openDB(ctx context.Context, cfg *storage.Config) (*storage.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return storage.Open(ctx, *cfg)
}

func migrateCmd(cfg *storage.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.CreateSchemas(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schemas created.")
			return nil
		},
	}
}

func trimCmd(cfg *storage.Config) *cobra.Command {
	var (
		squadID   int64
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Drop after-action events older than a cutoff",
		Long: `Trim removes command events recorded before now minus --older-than.
Sequence numbers are never reused. Clients that rejoin from a trimmed
sequence receive a snapshot instead of the missing history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			squads := []int64{squadID}
			if squadID == 0 {
				if squads, err = db.PG.SquadIDs(cmd.Context()); err != nil {
					return err
				}
			}

			cutoff := time.Now().Add(-olderThan)
			var total int64
			for _, id := range squads {
				n, err := db.PG.Trim(cmd.Context(), id, cutoff)
				if err != nil {
					return fmt.Errorf("trim squad %d: %w", id, err)
				}
				if n > 0 {
					fmt.Printf("squad %d: %d events removed\n", id, n)
				}
				total += n
			}
			fmt.Printf("Removed %d events recorded before %s.\n", total, cutoff.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&squadID, "squad", 0, "Squad to trim (default: all squads)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Retention period")
	return cmd
}

func replayCmd(cfg *storage.Config) *cobra.Command {
	var (
		squadID  int64
		from, to uint64
		pretty   bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print a squad's after-action record as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if squadID <= 0 {
				return fmt.Errorf("--squad is required")
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			b, err := db.PG.Bounds(cmd.Context(), squadID)
			if err != nil {
				return err
			}
			if from > 0 && from < b.Floor {
				fmt.Fprintf(os.Stderr, "Events before %d are no longer retained.\n", b.Floor)
			}

			enc := json.NewEncoder(os.Stdout)
			if pretty {
				enc.SetIndent("", "  ")
			}
			n := 0
			for ev, err := range aar.Replay(cmd.Context(), db.PG, squadID, from, to) {
				if err != nil {
					return err
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
				n++
			}
			fmt.Fprintf(os.Stderr, "%d events (floor %d, head %d)\n", n, b.Floor, b.Head)
			return nil
		},
	}
	cmd.Flags().Int64Var(&squadID, "squad", 0, "Squad id")
	cmd.Flags().Uint64Var(&from, "from", 1, "First sequence")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last sequence (default: head)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent JSON output")
	return cmd
}

func kmlCmd(cfg *storage.Config) *cobra.Command {
	var (
		squadID int64
		output  string
	)
	cmd := &cobra.Command{
		Use:   "kml",
		Short: "Export a squad's rally points and member positions as KML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if squadID <= 0 {
				return fmt.Errorf("--squad is required")
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			events, err := aar.Collect(aar.Replay(cmd.Context(), db.PG, squadID, 1, 0))
			if err != nil {
				return err
			}

			out := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			sum, err := aar.WriteKML(out, fmt.Sprintf("Squad %d", squadID), events)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Exported %d rally points and %d positions\n", sum.Rallies, sum.Positions)
			return nil
		},
	}
	cmd.Flags().Int64Var(&squadID, "squad", 0, "Squad id")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output KML file (default: stdout)")
	return cmd
}

func statsCmd(cfg *storage.Config) *cobra.Command {
	var squadID int64
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			counts, err := db.PG.Counts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "=== PostgreSQL ===")
			fmt.Fprintf(w, "Squads:\t%d\n", counts.Squads)
			fmt.Fprintf(w, "Members:\t%d\n", counts.Members)
			fmt.Fprintf(w, "Check-ins:\t%d\n", counts.CheckIns)
			fmt.Fprintf(w, "Command events:\t%d\n", counts.Events)

			if db.CH != nil {
				stats, err := db.CH.GetStats(cmd.Context(), squadID)
				if err != nil {
					return err
				}
				fmt.Fprintln(w)
				if squadID != 0 {
					fmt.Fprintf(w, "=== ClickHouse (squad %d) ===\n", squadID)
				} else {
					fmt.Fprintln(w, "=== ClickHouse ===")
				}
				fmt.Fprintf(w, "Events:\t%d\n", stats.Total)
				fmt.Fprintf(w, "Squads:\t%d\n", stats.Squads)
				if stats.Total > 0 {
					fmt.Fprintf(w, "First:\t%s\n", stats.FirstSeenAt.UTC().Format(time.RFC3339))
					fmt.Fprintf(w, "Last:\t%s\n", stats.LastSeenAt.UTC().Format(time.RFC3339))
				}
				kinds := make([]string, 0, len(stats.ByKind))
				for k := range stats.ByKind {
					kinds = append(kinds, k)
				}
				sort.Strings(kinds)
				for _, k := range kinds {
					fmt.Fprintf(w, "  %s:\t%d\n", k, stats.ByKind[k])
				}
				if len(stats.TopSenders) > 0 {
					fmt.Fprintln(w, "Top senders:")
					for _, ac := range stats.TopSenders {
						fmt.Fprintf(w, "  %s:\t%d\n", ac.ActorID, ac.Count)
					}
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&squadID, "squad", 0, "Restrict ClickHouse statistics to one squad")
	return cmd
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
