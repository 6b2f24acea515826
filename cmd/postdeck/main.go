package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/araddon/dateparse"
	"github.com/joho/godotenv"

	"postdeck/internal/app"
	"postdeck/pkg/systemd"
)

const usage = `usage: postdeck [-config path] [-env path] <command>

commands:
  run                        run the scheduler, queue workers and ops server (default)
  scan [-now time]           claim due posts once and enqueue their publish tasks
  requeue [-at time] <post>  reset a picked post; without -at it goes back to draft
`

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file loaded before the config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Println("fatal: load env:", err)
		os.Exit(1)
	}

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(cfgPath)
	case "scan":
		err = scan(cfgPath, args)
	case "requeue":
		err = requeue(cfgPath, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = systemd.Ready()
	go systemd.Watchdog(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := app.StopSIGTERM
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-a.Done():
			reason = app.StopFatalError
			break wait
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				fmt.Println("reload:", err)
			}
		}
	}
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func scan(cfgPath string, args []string) error {
	fsx := flag.NewFlagSet("scan", flag.ExitOnError)
	nowRaw := fsx.String("now", "", "pretend the scan runs at this time (any common date format)")
	_ = fsx.Parse(args)

	now := time.Now()
	if s := strings.TrimSpace(*nowRaw); s != "" {
		t, err := dateparse.ParseLocal(s)
		if err != nil {
			return fmt.Errorf("-now: %w", err)
		}
		now = t
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommandEnd) }()

	rep, err := a.ScanNow(context.Background(), now)
	fmt.Printf("claimed=%d enqueued=%d failed=%d\n", rep.Claimed, rep.Enqueued, rep.Failed)
	return err
}

func requeue(cfgPath string, args []string) error {
	fsx := flag.NewFlagSet("requeue", flag.ExitOnError)
	atRaw := fsx.String("at", "", "new scheduled time; empty puts the post back to draft")
	_ = fsx.Parse(args)
	if fsx.NArg() != 1 {
		return errors.New("requeue: exactly one post id required")
	}

	var at *time.Time
	if s := strings.TrimSpace(*atRaw); s != "" {
		t, err := dateparse.ParseLocal(s)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		at = &t
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommandEnd) }()

	if err := a.Requeue(context.Background(), fsx.Arg(0), at); err != nil {
		return err
	}
	fmt.Println("requeued", fsx.Arg(0))
	return nil
}
