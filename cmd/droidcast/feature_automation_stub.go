//go:build no_automation

package main

import (
	"log/slog"

	"droidcast/internal/events"
	"droidcast/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *deviceFacade, _ *sessionFacade, _ *events.Bus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
