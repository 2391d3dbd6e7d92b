package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"novad/internal/app"
	"novad/plugins/echo"
	"novad/plugins/glyph"
	"novad/plugins/metrics"
	"novad/plugins/oracle"
	"novad/plugins/speak"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./novad.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Register plugins (adding one is New() + Register)
	a.Register(
		echo.New(),
		speak.New(a.Voice()),
		metrics.New(a.Store(), a),
		glyph.New(a, a.Store()),
		oracle.New(a.Oracle()),
	)

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// SIGHUP re-reads the config without restarting.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			a.Reload(ctx)
		}
	}()

	// Run until a signal arrives or the app stops itself
	// (shutdown command or fatal error).
	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.ShutdownGrace())
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopReasonSignal)

	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
