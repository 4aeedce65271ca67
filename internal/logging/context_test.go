package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestWithRequestID_Validation(t *testing.T) {
	ctx, err := WithRequestID(context.Background(), "0f8e2c1a-req")
	require.NoError(t, err)
	assert.Equal(t, "0f8e2c1a-req", RequestIDFromContext(ctx))

	for _, bad := range []string{"", "has space", "semi;colon", strings.Repeat("a", maxIDLen+1)} {
		got, err := WithRequestID(context.Background(), bad)
		assert.Error(t, err, bad)
		assert.Empty(t, RequestIDFromContext(got))
	}
}

func TestWithOperation(t *testing.T) {
	ctx := WithOperation(context.Background(), "extract")
	assert.Equal(t, "extract", OperationFromContext(ctx))
	assert.Empty(t, OperationFromContext(context.Background()))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(WithOperation(ctx, "prune"), "dry run")

	tl.AssertLogged(t, zapcore.WarnLevel, "dry run")
	entries := tl.Observed.FilterMessage("dry run").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "prune", entries[0].ContextMap()["operation"])
}
