//go:build no_mqtt

package main

import (
	"log/slog"

	"blinds-go-home/internal/cover"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *cover.Manager, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
