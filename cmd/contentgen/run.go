package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/yungbote/neurobridge-contentgen/internal/app"
)

// runRole builds the app for role and blocks until SIGINT/SIGTERM.
func runRole(cmdCtx context.Context, role app.Role, opts ...app.Option) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(signalCtx, role, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Log.Info("contentgen starting", "addr", a.Cfg.HTTPAddr)
	if err := a.Run(signalCtx); err != nil {
		a.Log.Error("contentgen stopped with error", "error", err)
		return err
	}
	a.Log.Info("contentgen stopped")
	return nil
}
