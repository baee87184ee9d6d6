package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_Deduplicated(t *testing.T) {
	tests := []struct {
		severity Severity
		expected bool
	}{
		{SeverityDebug, false},
		{SeverityInfo, false},
		{SeverityWarning, false},
		{SeverityError, true},
		{SeverityCritical, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.severity.Deduplicated())
			assert.True(t, tt.severity.Valid())
		})
	}
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" error ")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, sev)

	_, err = ParseSeverity("fatal")
	assert.Error(t, err)
}

func TestNormalizeTS(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, loc)

	got := NormalizeTS(ts)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
	assert.True(t, got.Equal(ts.Truncate(time.Microsecond)))
}

func TestEmbeddingRecord_SameRow(t *testing.T) {
	run := uuid.New()
	ts := NormalizeTS(time.Now())

	a := EmbeddingRecord{RunID: run, TS: ts, Embedding: []float32{1, 0}}
	b := EmbeddingRecord{RunID: run, TS: ts.In(time.Local), Embedding: []float32{0, 1}}
	c := EmbeddingRecord{RunID: uuid.New(), TS: ts}

	assert.True(t, a.SameRow(b))
	assert.False(t, a.SameRow(c))
}

func TestUnprocessedEvent_Key(t *testing.T) {
	item := UnprocessedEvent{RunID: uuid.New(), Severity: SeverityCritical, TS: NormalizeTS(time.Now())}
	key := item.Key()
	assert.Equal(t, item.RunID, key.RunID)
	assert.Equal(t, item.Severity, key.Severity)
	assert.Contains(t, key.String(), "CRITICAL")
}
