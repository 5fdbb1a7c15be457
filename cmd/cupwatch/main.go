package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cupwatch/internal/app"
	"cupwatch/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		select {
		case sig := <-sigs:
			cancel(signalCause{sig})
		case <-ctx.Done():
		}
	}()

	// Used until the configured logger exists.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("fatal", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		a.Logger().Error("fatal start", logx.Err(err))
		os.Exit(1)
	}

	w := newWatchdog(a.Logger(), a.Healthy)
	w.ready()
	go w.run(ctx)

	reason := app.StopUnknown
	select {
	case <-ctx.Done():
		reason = stopReason(context.Cause(ctx))
	case <-a.Done():
		// The app context derives from ctx, so a signal closes both.
		reason = app.StopFatalError
		if ctx.Err() != nil {
			reason = stopReason(context.Cause(ctx))
		}
	}

	w.stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
	if stopErr != nil {
		boot.Warn("stop incomplete", logx.Err(stopErr))
	}
}

type signalCause struct{ sig os.Signal }

func (s signalCause) Error() string { return "signal: " + s.sig.String() }

func stopReason(cause error) app.StopReason {
	var sc signalCause
	if !errors.As(cause, &sc) {
		return app.StopUnknown
	}
	switch sc.sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	}
	return app.StopUnknown
}
