//go:build no_automation

package main

import (
	"log/slog"

	"blinds-go-home/internal/cover"
	"blinds-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *cover.Manager, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
