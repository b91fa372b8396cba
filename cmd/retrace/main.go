package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/retrace"
	"github.com/deepnoodle-ai/retrace/server"
	"github.com/deepnoodle-ai/retrace/sqlite"
	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]

	var err error
	switch command {
	case "list":
		err = runList(args)
	case "show":
		err = runShow(args)
	case "timeline":
		err = runTimeline(args)
	case "state":
		err = runState(args)
	case "compare":
		err = runCompare(args)
	case "search":
		err = runSearch(args)
	case "serve":
		err = runServe(args)
	case "clean":
		err = runClean(args)
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		color.Red("Error: unknown command %q", command)
		usage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `retrace - capture, inspect, and replay traces of multi-step computations

Usage: %s <command> [options] [arguments]

Commands:
  list                       List captured runs
  show <run-id>              Show one run in detail
  timeline <run-id>          Print the reconstructed step timeline
  state <run-id> <index>     Print the full state after a step
  compare <run-id> <a> <b>   Diff the states after two steps
  search <run-id> <expr>     Find steps matching a query expression
  serve                      Serve traces over HTTP for inspection
  clean                      Delete the trace database

Every command accepts -db <path> and -config <path>; flags go before
positional arguments. Settings also come from RETRACE_* environment
variables (RETRACE_DATABASE_PATH, RETRACE_HOST, RETRACE_PORT, ...).

Examples:
  %s list
  %s show run_01h455vb4pex5vsknk084sn02q
  %s state run_01h455vb4pex5vsknk084sn02q 12
  %s search run_01h455vb4pex5vsknk084sn02q 'state["confidence"] >= 0.9'
  %s serve -port 6274

Run '%s <command> -h' for command-specific options.
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	db     string
	config string
}

func registerCommonFlags(flags *flag.FlagSet) *commonFlags {
	common := &commonFlags{}
	flags.StringVar(&common.db, "db", "", "Trace database path (overrides config and environment)")
	flags.StringVar(&common.config, "config", "", "YAML configuration file")
	return common
}

func (f *commonFlags) resolve() (retrace.Config, error) {
	config, err := retrace.LoadConfig(f.config)
	if err != nil {
		return retrace.Config{}, err
	}
	if f.db != "" {
		config.DatabasePath = f.db
	}
	return config, nil
}

// openDatabase opens an existing trace database for the read commands. A
// missing file is reported instead of silently created.
func openDatabase(config retrace.Config) (*sqlite.Store, error) {
	if _, err := os.Stat(config.DatabasePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no trace database at %s (capture a run first, or pass -db)", config.DatabasePath)
	}
	return sqlite.Open(config.DatabasePath)
}

func newEngine(store retrace.Store) (*retrace.ReplayEngine, error) {
	return retrace.NewReplayEngine(retrace.ReplayEngineOptions{Store: store})
}

func runList(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	common := registerCommonFlags(flags)
	limit := flags.Int("limit", 20, "Maximum number of runs to show (0 for all)")
	offset := flags.Int("offset", 0, "Number of runs to skip")
	flags.Parse(args)

	config, err := common.resolve()
	if err != nil {
		return err
	}
	store, err := openDatabase(config)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), *limit, *offset)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		color.Yellow("No runs captured in %s", config.DatabasePath)
		return nil
	}

	for _, run := range runs {
		started := ""
		if !run.StartedAt.IsZero() {
			started = run.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %s  %-20s %4d steps  %-19s  %s\n",
			run.ID, run.Name, run.StepCount, started, statusLabel(string(run.Status)))
	}
	return nil
}

func runShow(args []string) error {
	flags := flag.NewFlagSet("show", flag.ExitOnError)
	common := registerCommonFlags(flags)
	showEvents := flags.Bool("events", false, "Include the durable event trail for the run")
	flags.Parse(args)
	if flags.NArg() < 1 {
		return fmt.Errorf("usage: retrace show [options] <run-id>")
	}
	runID := flags.Arg(0)

	config, err := common.resolve()
	if err != nil {
		return err
	}
	store, err := openDatabase(config)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	color.Cyan("Run %s", run.ID)
	fmt.Printf("  Name:     %s\n", run.Name)
	fmt.Printf("  Status:   %s\n", statusLabel(string(run.Status)))
	if !run.StartedAt.IsZero() {
		fmt.Printf("  Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	}
	if !run.EndedAt.IsZero() {
		fmt.Printf("  Ended:    %s\n", run.EndedAt.Local().Format(time.RFC3339))
		fmt.Printf("  Duration: %v\n", run.Duration().Round(time.Millisecond))
	}
	fmt.Printf("  Steps:    %d\n", run.StepCount)
	printMetadata(run.Metadata)

	if run.InitialState != nil {
		fmt.Println()
		color.Magenta("Initial state:")
		fmt.Println(indentJSON(run.InitialState))
	}
	if run.FinalState != nil {
		fmt.Println()
		color.Magenta("Final state:")
		fmt.Println(indentJSON(run.FinalState))
	}

	steps, err := store.GetSteps(ctx, runID)
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		fmt.Println()
		color.Magenta("Steps (* = checkpoint):")
		for _, step := range steps {
			printStepLine(step.StepIndex, step.UnitName, string(step.Status),
				step.IsCheckpoint, step.Delta, step.Error)
		}
	}

	decisions, err := store.GetRoutingDecisions(ctx, runID)
	if err != nil {
		return err
	}
	if len(decisions) > 0 {
		fmt.Println()
		color.Magenta("Routing decisions:")
		for _, decision := range decisions {
			line := fmt.Sprintf("  step %d: %s -> %s",
				decision.StepIndex, decision.SourceUnit, decision.TargetUnit)
			if decision.Description != "" {
				line += fmt.Sprintf("  (%s)", decision.Description)
			}
			fmt.Println(line)
		}
	}

	if *showEvents {
		if config.EventLogDirectory == "" {
			return fmt.Errorf("event logging is not configured; set event_log_directory or RETRACE_EVENT_LOG_DIRECTORY")
		}
		events, err := retrace.NewFileEventLog(config.EventLogDirectory).GetEventHistory(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Println()
		color.Magenta("Events:")
		if len(events) == 0 {
			fmt.Println("  (none recorded)")
		}
		for _, event := range events {
			position := ""
			if event.StepIndex >= 0 {
				position = fmt.Sprintf("step %d", event.StepIndex)
			}
			fmt.Printf("  %s  %-14s %s\n",
				event.Timestamp.Local().Format("15:04:05.000"), event.Type, position)
		}
	}
	return nil
}

func runTimeline(args []string) error {
	flags := flag.NewFlagSet("timeline", flag.ExitOnError)
	common := registerCommonFlags(flags)
	flags.Parse(args)
	if flags.NArg() < 1 {
		return fmt.Errorf("usage: retrace timeline [options] <run-id>")
	}
	runID := flags.Arg(0)

	config, err := common.resolve()
	if err != nil {
		return err
	}
	store, err := openDatabase(config)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine(store)
	if err != nil {
		return err
	}
	entries, err := engine.Timeline(context.Background(), runID)
	if err != nil {
		return err
	}

	color.Cyan("Timeline for %s (%d steps, * = checkpoint):", runID, len(entries))
	for _, entry := range entries {
		printStepLine(entry.StepIndex, entry.UnitName, string(entry.Status),
			entry.IsCheckpoint, entry.Delta, entry.Error)
	}
	return nil
}

func runState(args []string) error {
	flags := flag.NewFlagSet("state", flag.ExitOnError)
	common := registerCommonFlags(flags)
	flags.Parse(args)
	if flags.NArg() < 2 {
		return fmt.Errorf("usage: retrace state [options] <run-id> <step-index>")
	}
	runID := flags.Arg(0)
	index, err := strconv.Atoi(flags.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid step index %q", flags.Arg(1))
	}

	config, err := common.resolve()
	if err != nil {
		return err
	}
	store, err := openDatabase(config)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine(store)
	if err != nil {
		return err
	}
	state, err := engine.StateAt(context.Background(), runID, index)
	if err != nil {
		return err
	}

	color.Cyan("State after step %d of %s:", index, runID)
	fmt.Println(indentJSON(state))
	return nil
}

func runCompare(args []string) error {
	flags := flag.NewFlagSet("compare", flag.ExitOnError)
	common := registerCommonFlags(flags)
	flags.Parse(args)
	if flags.NArg() < 3 {
		return fmt.Errorf("usage: retrace compare [options] <run-id> <step-a> <step-b>")
	}
	runID := flags.Arg(0)
	stepA, err := strconv.Atoi(flags.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid step index %q", flags.Arg(1))
	}
	stepB, err := strconv.Atoi(flags.Arg(2))
	if err != nil {
		return fmt.Errorf("invalid step index %q", flags.Arg(2))
	}

	config, err := common.resolve()
	if err != nil {
		return err
	}
	store, err := openDatabase(config)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine(store)
	if err != nil {
		return err
	}
	comparison, err := engine.Compare(context.Background(), runID, stepA, stepB)
	if err != nil {
		return err
	}

	if comparison.Delta.Empty() {
		color.Green("No differences between step %d and step %d", stepA, stepB)
		return nil
	}
	color.Cyan("Changes from step %d to step %d:", stepA, stepB)
	for _, entry := range comparison.Delta.Changed {
		fmt.Printf("  ~ %s: %s -> %s\n", entry.Path, compactJSON(entry.Old), compactJSON(entry.New))
	}
	for _, entry := range comparison.Delta.Added {
		fmt.Printf("  + %s: %s\n", entry.Path, compactJSON(entry.Value))
	}
	for _, entry := range comparison.Delta.Removed {
		fmt.Printf("  - %s: %s\n", entry.Path, compactJSON(entry.Value))
	}
	return nil
}

func runSearch(args []string) error {
	flags := flag.NewFlagSet("search", flag.ExitOnError)
	common := registerCommonFlags(flags)
	flags.Parse(args)
	if flags.NArg() < 2 {
		return fmt.Errorf("usage: retrace search [options] <run-id> <expression>")
	}
	runID := flags.Arg(0)
	expression := strings.Join(flags.Args()[1:], " ")

	config, err := common.resolve()
	if err != nil {
		return err
	}
	store, err := openDatabase(config)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine(store)
	if err != nil {
		return err
	}
	matches, err := engine.Search(context.Background(), runID, expression)
	if err != nil {
		return err
	}

	if len(matches) == 0 {
		color.Yellow("No steps matched %q", expression)
		return nil
	}
	color.Cyan("%d steps matched %q:", len(matches), expression)
	for _, entry := range matches {
		printStepLine(entry.StepIndex, entry.UnitName, string(entry.Status),
			entry.IsCheckpoint, entry.Delta, entry.Error)
	}
	return nil
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	common := registerCommonFlags(flags)
	host := flags.String("host", "", "Listen host (overrides config)")
	port := flags.Int("port", 0, "Listen port (overrides config)")
	flags.Parse(args)

	config, err := common.resolve()
	if err != nil {
		return err
	}
	if *host != "" {
		config.Host = *host
	}
	if *port != 0 {
		config.Port = *port
	}

	store, err := sqlite.Open(config.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.New(server.Options{
		Store:  store,
		Logger: config.Logger(),
	})
	if err != nil {
		return err
	}

	addr := config.ServerAddress()
	color.Green("Serving traces from %s at http://%s", config.DatabasePath, addr)
	color.White("Press Ctrl-C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() { errs <- srv.Start(addr) }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runClean(args []string) error {
	flags := flag.NewFlagSet("clean", flag.ExitOnError)
	common := registerCommonFlags(flags)
	yes := flags.Bool("yes", false, "Skip the confirmation prompt")
	flags.Parse(args)

	config, err := common.resolve()
	if err != nil {
		return err
	}
	path := config.DatabasePath

	if _, err := os.Stat(path); os.IsNotExist(err) {
		color.Yellow("No trace database at %s", path)
		return nil
	}
	if !*yes && !confirm(fmt.Sprintf("Delete %s?", path)) {
		color.Yellow("Aborted")
		return nil
	}

	if err := os.Remove(path); err != nil {
		return err
	}
	// SQLite in WAL mode leaves sidecar files next to the database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	color.Green("Deleted %s", path)
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func statusLabel(status string) string {
	switch status {
	case "completed":
		return color.GreenString("%-9s", status)
	case "failed":
		return color.RedString("%-9s", status)
	default:
		return color.YellowString("%-9s", status)
	}
}

func printStepLine(index int, unit, status string, isCheckpoint bool, delta *retrace.Delta, errText string) {
	marker := " "
	if isCheckpoint {
		marker = "*"
	}
	line := fmt.Sprintf("  %3d %s %-20s %s", index, marker, unit, statusLabel(status))
	if !delta.Empty() {
		line += fmt.Sprintf("  ~%d +%d -%d",
			len(delta.Changed), len(delta.Added), len(delta.Removed))
	}
	fmt.Println(line)
	if errText != "" {
		color.Red("        %s", errText)
	}
}

func printMetadata(metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("  Meta:     %s=%s\n", key, metadata[key])
	}
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("  <unrenderable: %v>", err)
	}
	return "  " + string(data)
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "<unrenderable>"
	}
	return string(data)
}
