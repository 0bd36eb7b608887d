package main

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/config"
)

func TestNewLogger(t *testing.T) {
	log := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Logger.Formatter)
	assert.Equal(t, "estatesync", log.Data["app"])

	log = newLogger(config.LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Logger.Formatter)
}

func TestCommandsRequireArguments(t *testing.T) {
	err := newRootCommand().Run(context.Background(), []string{"estatesync", "mark-paid"})
	assert.ErrorContains(t, err, "bill id is required")

	err = newRootCommand().Run(context.Background(), []string{"estatesync", "repair-status", "r-1"})
	assert.ErrorContains(t, err, "repair id and status are required")
}

func TestMarkPaidMissingBill(t *testing.T) {
	t.Setenv("ESTATESYNC_CONFIG", "")
	err := newRootCommand().Run(context.Background(),
		[]string{"estatesync", "--driver", "memory", "--log-level", "error", "mark-paid", "no-such-bill"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "marking bill no-such-bill paid")
	assert.ErrorContains(t, err, "row not found")
}

func TestInvalidDriverOverride(t *testing.T) {
	t.Setenv("ESTATESYNC_CONFIG", "")
	err := newRootCommand().Run(context.Background(),
		[]string{"estatesync", "--driver", "mongo", "stats"})
	assert.ErrorContains(t, err, "config validation failed")
}
