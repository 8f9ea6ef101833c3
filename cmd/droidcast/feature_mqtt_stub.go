//go:build no_mqtt

package main

import (
	"log/slog"

	"droidcast/internal/adb"
	"droidcast/internal/events"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *adb.Registry, _ *sessionFacade, _ *events.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
