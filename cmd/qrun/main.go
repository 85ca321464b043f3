package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/mattjoyce/qrun/internal/api"
	"github.com/mattjoyce/qrun/internal/dispatch"
	"github.com/mattjoyce/qrun/internal/doctor"
	"github.com/mattjoyce/qrun/internal/envprep"
	"github.com/mattjoyce/qrun/internal/jobspec"
	"github.com/mattjoyce/qrun/internal/lock"
	"github.com/mattjoyce/qrun/internal/log"
	"github.com/mattjoyce/qrun/internal/pbs"
	"github.com/mattjoyce/qrun/internal/queue"
	"github.com/mattjoyce/qrun/internal/storage"
	"github.com/mattjoyce/qrun/internal/tui/watch"

	tea "github.com/charmbracelet/bubbletea"
)

const version = "0.2.0"

// Dispatcher-owned failures get exit codes above the wrapped command's
// range convention: 125 for environment preparation, 127 for an
// unresolvable executable (shell convention).
const (
	exitDispatchFailure = 125
	exitNotFound        = 127
)

const defaultStatePath = "./data/qrun.db"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "job":
		os.Exit(runJobNoun(args))
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "version":
		fmt.Printf("qrun version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`qrun - batch job dispatch wrapper

Usage:
  qrun <command> [flags]

Commands:
  run <spec.yaml>   Prepare the environment and run the job's command,
                    exiting with the command's own exit code
  job submit        Queue a job for serve mode, or hand it to PBS (--qsub)
  job script        Print the PBS submission script for a spec
  job list          Show recent jobs
  job inspect <id>  Show one job record as JSON
  system serve      Run the serve loop and HTTP API in the foreground
  system watch      Live TUI over a running serve instance
  config lock       Write BLAKE3 checksums for a spec directory
  config check      Verify a spec directory against its checksums
  doctor            Preflight a job spec against this host
  version           Show version information
  help              Show this help message
`)
}

// --- run ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	shell := fs.String("shell", envprep.DefaultShell, "shell interpreting environment steps")
	grace := fs.Duration("grace", 5*time.Second, "SIGTERM-to-SIGKILL grace period on walltime kill")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "text", "log format (json, text)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: qrun run [flags] <spec.yaml>")
		return 1
	}
	log.Setup(*logLevel, *logFormat)

	spec, err := jobspec.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := dispatch.New(dispatch.WithShell(*shell), dispatch.WithGracePeriod(*grace))
	result, err := d.Submit(ctx, spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		if errors.Is(err, dispatch.ErrCommandNotFound) {
			return exitNotFound
		}
		return exitDispatchFailure
	}

	// The wrapped command's exit code is the job's terminal status.
	return result.ExitCode
}

// --- job ---

func runJobNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: qrun job <submit|script|list|inspect> [flags]")
		return 1
	}
	switch args[0] {
	case "submit":
		return runJobSubmit(args[1:])
	case "script":
		return runJobScript(args[1:])
	case "list":
		return runJobList(args[1:])
	case "inspect":
		return runJobInspect(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", args[0])
		return 1
	}
}

func runJobSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	specPath := fs.String("spec", "", "path to the job spec YAML")
	statePath := fs.String("state", defaultStatePath, "path to the qrun SQLite database")
	viaQsub := fs.Bool("qsub", false, "hand the job to the PBS scheduler instead of the local queue")
	_ = fs.Parse(args)

	if *specPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: qrun job submit --spec <spec.yaml> [--qsub] [--state <db>]")
		return 1
	}
	log.Setup("info", "text")

	spec, err := jobspec.Load(*specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}

	ctx := context.Background()

	if *viaQsub {
		client := pbs.NewClient(&pbs.Shell{})
		jobID, err := client.Submit(ctx, spec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
			return 1
		}
		fmt.Println(jobID)
		return 0
	}

	db, err := storage.OpenSQLite(ctx, *statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}
	defer db.Close()

	hash, err := jobspec.ComputeFileHash(*specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}

	jobID, err := queue.New(db).Enqueue(ctx, queue.EnqueueRequest{
		Name:        spec.Name,
		SpecPath:    *specPath,
		SpecHash:    hash,
		SubmittedBy: currentUser(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}
	fmt.Println(jobID)
	return 0
}

func runJobScript(args []string) int {
	fs := flag.NewFlagSet("script", flag.ExitOnError)
	specPath := fs.String("spec", "", "path to the job spec YAML")
	_ = fs.Parse(args)

	if *specPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: qrun job script --spec <spec.yaml>")
		return 1
	}

	spec, err := jobspec.Load(*specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}

	fmt.Print(pbs.Script(spec))
	return 0
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	statePath := fs.String("state", defaultStatePath, "path to the qrun SQLite database")
	limit := fs.Int("limit", 20, "maximum jobs to show")
	_ = fs.Parse(args)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, *statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}
	defer db.Close()

	jobs, err := queue.New(db).List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}

	for _, j := range jobs {
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		fmt.Printf("%-36s  %-10s  %4s  %-24s  %s\n",
			j.ID, j.Status, exit, j.Name, j.CreatedAt.Local().Format(time.RFC3339))
	}
	return 0
}

func runJobInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	statePath := fs.String("state", defaultStatePath, "path to the qrun SQLite database")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: qrun job inspect [--state <db>] <job-id>")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, *statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}
	defer db.Close()

	job, err := queue.New(db).Get(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(job)
	return 0
}

// --- system ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: qrun system <serve|watch> [flags]")
		return 1
	}
	switch args[0] {
	case "serve":
		return runSystemServe(args[1:])
	case "watch":
		return runSystemWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runSystemServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:8080", "HTTP API listen address")
	apiKey := fs.String("api-key", os.Getenv("QRUN_API_KEY"), "bearer token for job endpoints")
	statePath := fs.String("state", defaultStatePath, "path to the qrun SQLite database")
	lockPath := fs.String("lock", "./data/qrun.pid", "PID lock file path")
	interval := fs.Duration("interval", time.Second, "queue poll interval")
	shell := fs.String("shell", envprep.DefaultShell, "shell interpreting environment steps")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "json", "log format (json, text)")
	_ = fs.Parse(args)

	log.Setup(*logLevel, *logFormat)
	logger := log.WithComponent("main")

	pidLock, err := lock.Acquire(*lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, *statePath)
	if err != nil {
		logger.Error("failed to open state database", "error", err)
		return 1
	}
	defer db.Close()

	q := queue.New(db)
	d := dispatch.New(dispatch.WithShell(*shell))
	loop := dispatch.NewLoop(q, d, *interval)
	server := api.New(api.Config{Listen: *listen, APIKey: *apiKey}, q, log.WithComponent("api"))

	if *apiKey == "" {
		logger.Warn("API running without authentication; set --api-key or QRUN_API_KEY")
	}

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start(ctx) }()
	go func() { errCh <- loop.Start(ctx) }()

	logger.Info("qrun serve started", "listen", *listen, "state", *statePath)

	err = <-errCh
	stop()
	// Drain the second goroutine before exit.
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("serve failed", "error", err)
		return 1
	}
	logger.Info("qrun serve stopped")
	return 0
}

func runSystemWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "serve-mode API base URL")
	apiKey := fs.String("key", os.Getenv("QRUN_API_KEY"), "bearer token")
	_ = fs.Parse(args)

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "qrun: watch failed: %v\n", err)
		return 1
	}
	return 0
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: qrun config <lock|check> --dir <spec-dir>")
		return 1
	}
	switch args[0] {
	case "lock":
		return runConfigLock(args[1:])
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	dir := fs.String("dir", ".", "spec directory to lock")
	_ = fs.Parse(args)

	results, err := jobspec.GenerateChecksums(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}
	for _, r := range results {
		fmt.Printf("locked %s  %s\n", r.Filename, r.Hash)
	}
	fmt.Printf("wrote %s\n", *dir+"/.checksums")
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	dir := fs.String("dir", ".", "spec directory to verify")
	_ = fs.Parse(args)

	manifest, err := jobspec.LoadChecksums(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}
	if err := jobspec.VerifyChecksums(*dir, manifest); err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}
	fmt.Printf("%d file(s) verified\n", len(manifest.Hashes))
	return 0
}

// --- doctor ---

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	specPath := fs.String("spec", "", "path to the job spec YAML")
	shell := fs.String("shell", envprep.DefaultShell, "shell interpreting environment steps")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	_ = fs.Parse(args)

	if *specPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: qrun doctor --spec <spec.yaml> [--json]")
		return 1
	}

	spec, err := jobspec.Load(*specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrun: %v\n", err)
		return 1
	}

	result := doctor.New(spec, *shell).Validate()

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		for _, e := range result.Errors {
			fmt.Printf("ERROR   [%s] %s %s\n", e.Category, e.Field, e.Message)
		}
		for _, w := range result.Warnings {
			fmt.Printf("WARNING [%s] %s %s\n", w.Category, w.Field, w.Message)
		}
		if result.Valid {
			fmt.Println("ok")
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
