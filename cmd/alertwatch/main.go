package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/app"
)

const usage = `usage:
  alertwatch [run] [-config path]
  alertwatch test-notify -subscriber ID -kind KIND [-config path]
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		return serve(args)
	case "test-notify":
		return testNotify(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func serve(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// A signal during startup aborts a slow database connect.
	startCtx, cancelStart := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := app.New(startCtx, *cfgPath)
	interrupted := startCtx.Err() != nil
	cancelStart()
	if err != nil {
		if interrupted {
			return 0
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := a.Start(runCtx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopStartFailed)
		return 1
	}

	reason := app.StopFatalError
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		return 1
	}
	return 0
}

func testNotify(args []string) int {
	fs := flag.NewFlagSet("test-notify", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	subscriber := fs.String("subscriber", "", "subscriber (account) id")
	kindRaw := fs.String("kind", alert.KindPointHazard.String(), "point_hazard or area_loss")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subscriber == "" {
		fmt.Fprintln(os.Stderr, "-subscriber is required")
		return 2
	}
	kind, err := alert.ParseKind(*kindRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, *cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	res, err := a.TestNotify(ctx, *subscriber, kind)
	fmt.Println(res.Summary())
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "test notification failed:", err)
		return 1
	}
	return 0
}
