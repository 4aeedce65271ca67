package expertise

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = time.Now }()

	r, err := NewRecord(TypeConvention, " go ", " always wrap errors ", 0.8)
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "go", r.Domain)
	assert.Equal(t, "always wrap errors", r.Content)
	assert.Equal(t, 1, r.ValidationCount)
	assert.True(t, r.IsActive)
	assert.Equal(t, fixed, r.CreatedAt)
	assert.Equal(t, fixed, r.LastValidated)
}

func TestNewRecord_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		recordType RecordType
		domain     string
		content    string
		confidence float64
		field      string
	}{
		{"empty content", TypeInsight, "go", "   ", 0.5, "content"},
		{"unknown type", RecordType("RUMOR"), "go", "x", 0.5, "type"},
		{"empty domain", TypeInsight, "", "x", 0.5, "domain"},
		{"confidence above one", TypeInsight, "go", "x", 1.5, "confidence"},
		{"negative confidence", TypeInsight, "go", "x", -0.1, "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRecord(tt.recordType, tt.domain, tt.content, tt.confidence)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseRecordType(t *testing.T) {
	rt, err := ParseRecordType("boundary")
	require.NoError(t, err)
	assert.Equal(t, TypeBoundary, rt)

	_, err = ParseRecordType("opinion")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCheckUpdateFields(t *testing.T) {
	assert.NoError(t, CheckUpdateFields(map[string]any{"content": "x", "tags": []string{"a"}}))

	err := CheckUpdateFields(map[string]any{"content": "x", "validation_count": 9})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation_count")

	assert.Error(t, CheckUpdateFields(map[string]any{"is_active": true}))
	assert.Error(t, CheckUpdateFields(map[string]any{"id": "abc"}))
}

func TestUnionTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UnionTags([]string{"a", "b"}, []string{"b", "c", ""}))
	assert.Nil(t, UnionTags(nil, nil))
}

func TestClone(t *testing.T) {
	r, err := NewRecord(TypePattern, "go", "table tests", 0.7)
	require.NoError(t, err)
	r.Tags = []string{"testing"}

	c := r.Clone()
	c.Tags[0] = "changed"
	assert.Equal(t, "testing", r.Tags[0])
}
