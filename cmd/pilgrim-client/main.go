// Command-line pilgrim device client.
//
// Check-ins are queued in a local SQLite file and confirmed with the server
// whenever it is reachable, so every command works offline. The squad
// command streams the squad channel to stdout and sends lines read from
// stdin as situation reports.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"pilgrim_sync/internal/catalog"
	"pilgrim_sync/internal/checkin"
	"pilgrim_sync/internal/connectivity"
	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
	"pilgrim_sync/internal/logging"
	"pilgrim_sync/internal/squadclient"
	"pilgrim_sync/internal/storage"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "pilgrim-client - commands:")
	fmt.Fprintln(w, "  checkin  - queue a check-in at a target and try to confirm it")
	fmt.Fprintln(w, "  list     - show queued check-ins")
	fmt.Fprintln(w, "  sync     - confirm queued work with the server")
	fmt.Fprintln(w, "  reflect  - edit the reflection of a check-in")
	fmt.Fprintln(w, "  delete   - delete or cancel a check-in")
	fmt.Fprintln(w, "  squad    - open the squad channel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  pilgrim-client checkin -target indra-lingam -lat 12.2353 -lon 79.0847 [-accuracy 10] [-reflection text]")
	fmt.Fprintln(w, "  pilgrim-client sync [-timeout 1m] [-retry-failed]")
	fmt.Fprintln(w, "  pilgrim-client reflect -id -3 -text \"...\"")
	fmt.Fprintln(w, "  pilgrim-client squad -squad 7")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Common options (all commands):")
	fmt.Fprintln(w, "  -server URL   API server (env: PILGRIM_SERVER)")
	fmt.Fprintln(w, "  -token TOKEN  bearer token (env: PILGRIM_TOKEN)")
	fmt.Fprintln(w, "  -db PATH      local queue database (env: PILGRIM_QUEUE_DB)")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "checkin":
		err = runCheckIn(ctx, os.Args[2:])
	case "list":
		err = runList(ctx, os.Args[2:])
	case "sync":
		err = runSync(ctx, os.Args[2:])
	case "reflect":
		err = runReflect(ctx, os.Args[2:])
	case "delete":
		err = runDelete(ctx, os.Args[2:])
	case "squad":
		err = runSquad(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// common holds the options shared by every command.
type common struct {
	server   string
	token    string
	dbPath   string
	catalog  string
	logLevel string
	interval time.Duration
}

func commonFlags(fs *flag.FlagSet) *common {
	c := &common{}
	fs.StringVar(&c.server, "server", envOrDefault("PILGRIM_SERVER", "http://localhost:8080"), "API server base URL")
	fs.StringVar(&c.token, "token", envOrDefault("PILGRIM_TOKEN", ""), "Bearer token")
	fs.StringVar(&c.dbPath, "db", envOrDefault("PILGRIM_QUEUE_DB", "pilgrim-queue.db"), "Local queue database")
	fs.StringVar(&c.catalog, "catalog", envOrDefault("PILGRIM_CATALOG", ""), "Target catalog YAML (default: embedded)")
	fs.StringVar(&c.logLevel, "log-level", envOrDefault("PILGRIM_LOG_LEVEL", "warn"), "Log level")
	fs.DurationVar(&c.interval, "heartbeat", connectivity.DefaultInterval, "Connectivity heartbeat interval")
	return c
}

// session is an open queue backed by the local database.
type session struct {
	opts    *common
	logger  *slog.Logger
	local   *storage.LocalDB
	targets *catalog.Catalog
	queue   *checkin.Queue
}

func (c *common) open(ctx context.Context) (*session, error) {
	logger, err := logging.New(os.Stderr, c.logLevel, false)
	if err != nil {
		return nil, err
	}
	targets := catalog.Default()
	if c.catalog != "" {
		if targets, err = catalog.Load(c.catalog); err != nil {
			return nil, err
		}
	}
	local, err := storage.OpenLocal(c.dbPath)
	if err != nil {
		return nil, err
	}
	q := checkin.NewQueue(targets, checkin.NewHTTPConfirmer(c.server, c.token, nil), checkin.Options{
		Store:  local,
		Logger: logger,
	})
	if err := q.Restore(ctx); err != nil {
		_ = local.Close()
		return nil, err
	}
	return &session{opts: c, logger: logger, local: local, targets: targets, queue: q}, nil
}

func (s *session) Close() {
	_ = s.local.Close()
}

// sync runs the connectivity monitor until nothing is pending or ctx ends.
func (s *session) sync(ctx context.Context) error {
	mon := connectivity.New(s.queue, connectivity.NewHTTPProber(s.opts.server, nil), connectivity.Options{
		Interval: s.opts.interval,
		Logger:   s.logger,
	})
	defer mon.Close()

	settled := make(chan struct{}, 1)
	mon.OnState(func(st connectivity.State) {
		if st.Online && st.PendingCount == 0 {
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	})
	mon.OnRestored(func() { fmt.Fprintln(os.Stderr, "Connection restored.") })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mon.Run(runCtx)

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		st := mon.State()
		if !st.Online {
			return fmt.Errorf("server unreachable; %d check-ins still pending", st.PendingCount)
		}
		return fmt.Errorf("%d check-ins still pending", st.PendingCount)
	}
}

func runCheckIn(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkin", flag.ExitOnError)
	c := commonFlags(fs)
	target := fs.String("target", "", "Target id")
	lat := fs.Float64("lat", 0, "Latitude")
	lon := fs.Float64("lon", 0, "Longitude")
	accuracy := fs.Float64("accuracy", 0, "Fix accuracy in meters")
	reflection := fs.String("reflection", "", "Reflection text")
	wait := fs.Duration("wait", 10*time.Second, "How long to try confirming before leaving it queued")
	_ = fs.Parse(args)

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.queue.Submit(ctx, *target, geo.Fix{
		Coordinate:     geo.Coordinate{Latitude: *lat, Longitude: *lon},
		AccuracyMeters: *accuracy,
		CapturedAt:     time.Now(),
	}, *reflection)
	if errors.Is(err, checkin.ErrNotInRange) {
		t, lookupErr := s.targets.Lookup(*target)
		if lookupErr == nil {
			if eval, evalErr := geo.Evaluate(geo.Coordinate{Latitude: *lat, Longitude: *lon}, t); evalErr == nil {
				return fmt.Errorf("%w: %.0f m from %s, need %.0f m", err, eval.DistanceMeters, t.Name, t.ProximityRadiusMeters)
			}
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("Queued check-in %d at %s.\n", rec.LocalID, rec.TargetID)

	waitCtx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	if err := s.sync(waitCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Not confirmed yet: %v\n", err)
		return nil
	}
	got, err := s.queue.Get(rec.LocalID)
	if errors.Is(err, checkin.ErrNotFound) {
		fmt.Printf("Merged into your earlier check-in at %s.\n", rec.TargetID)
		return nil
	}
	if err == nil {
		fmt.Printf("Confirmed as %d (verified: %v).\n", got.CanonicalID, got.Verified)
	}
	return nil
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	c := commonFlags(fs)
	asJSON := fs.Bool("json", false, "Print JSON")
	_ = fs.Parse(args)

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	snap := s.queue.Snapshot()
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tSTATE\tWHEN\tATTEMPTS\tERROR")
	for _, r := range snap.Records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.TargetID, r.State, r.ClientTimestamp.Local().Format("2006-01-02 15:04"), r.Attempts, r.LastError)
	}
	fmt.Fprintf(w, "\n%d pending\n", snap.PendingCount)
	return w.Flush()
}

func runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	c := commonFlags(fs)
	timeout := fs.Duration("timeout", time.Minute, "Give up after this long")
	retryFailed := fs.Bool("retry-failed", false, "Also retry check-ins the server rejected")
	_ = fs.Parse(args)

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if *retryFailed {
		if n := s.queue.RetryFailed(); n > 0 {
			fmt.Printf("Retrying %d failed check-ins.\n", n)
		}
	}
	if s.queue.PendingCount() == 0 {
		fmt.Println("Nothing to sync.")
		return nil
	}

	syncCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := s.sync(syncCtx); err != nil {
		return err
	}
	fmt.Println("All check-ins confirmed.")
	return nil
}

func runReflect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reflect", flag.ExitOnError)
	c := commonFlags(fs)
	id := fs.Int64("id", 0, "Check-in id (local or canonical)")
	text := fs.String("text", "", "New reflection")
	_ = fs.Parse(args)

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.queue.EditReflection(ctx, *id, *text)
	if err != nil {
		return err
	}
	fmt.Printf("Reflection saved on %d (%s).\n", rec.ID, rec.State)
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	c := commonFlags(fs)
	id := fs.Int64("id", 0, "Check-in id (local or canonical)")
	_ = fs.Parse(args)

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.queue.Delete(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("Check-in %d deleted.\n", *id)
	return nil
}

func runSquad(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("squad", flag.ExitOnError)
	c := commonFlags(fs)
	squadID := fs.Int64("squad", 0, "Squad id")
	_ = fs.Parse(args)
	if *squadID <= 0 {
		return errors.New("-squad is required")
	}

	logger, err := logging.New(os.Stderr, c.logLevel, false)
	if err != nil {
		return err
	}
	local, err := storage.OpenLocal(c.dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	client := squadclient.New(squadclient.Options{
		URL:    "ws" + strings.TrimPrefix(strings.TrimRight(c.server, "/"), "http") + "/api/v1/ws",
		Token:  c.token,
		Cursor: local,
		Logger: logger,
	})
	defer func() { _ = client.Close() }()

	enc := json.NewEncoder(os.Stdout)
	client.OnEvent(func(ev event.Event) { _ = enc.Encode(ev) })
	client.OnConnection(func(up bool) {
		if !up {
			fmt.Fprintln(os.Stderr, "Channel lost, reconnecting...")
		}
	})

	sq, err := client.Join(ctx, *squadID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Joined %s (%d members). Type a report, or !SOS, !REGROUP, !MOVING.\n", sq.Name, len(sq.Members))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			d := event.NewSitRep("", line, event.SeverityInfo)
			if sig, isBeacon := strings.CutPrefix(line, "!"); isBeacon {
				d = event.NewBeacon("", strings.ToUpper(sig))
			}
			seq, err := client.Send(ctx, d)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Not sent: %v\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "Sent as #%d.\n", seq)
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
