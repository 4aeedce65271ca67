package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{}))
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := newLogger(zap.New(newSampledCore(core, SamplingConfig{
		Enabled:    true,
		Tick:       time.Minute,
		Initial:    1,
		Thereafter: 0,
	})))

	for i := 0; i < 50; i++ {
		logger.Error(context.Background(), "prune batch failed")
	}
	assert.Len(t, observed.FilterMessage("prune batch failed").All(), 50)
}

func TestNewSampledCore_InfoSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := newLogger(zap.New(newSampledCore(core, SamplingConfig{
		Enabled:    true,
		Tick:       time.Minute,
		Initial:    5,
		Thereafter: 0,
	})))

	for i := 0; i < 20; i++ {
		logger.Info(context.Background(), "record indexed")
	}
	assert.Len(t, observed.FilterMessage("record indexed").All(), 5)
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	filtered := &levelFilterCore{Core: core, maxLevel: zapcore.WarnLevel, hasMax: true}

	logger := zap.New(filtered).With(zap.String("component", "staleness"))
	logger.Info("kept")
	logger.Error("dropped")

	entries := observed.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "kept", entries[0].Message)
		assert.Equal(t, "staleness", entries[0].ContextMap()["component"])
	}
}

func TestLevelFilterCore_InfoBoundary(t *testing.T) {
	core, _ := observer.New(TraceLevel)
	floor := &levelFilterCore{Core: core, minLevel: zapcore.InfoLevel, hasMin: true}

	assert.False(t, floor.Enabled(zapcore.DebugLevel))
	assert.True(t, floor.Enabled(zapcore.InfoLevel))
}
