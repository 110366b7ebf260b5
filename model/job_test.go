package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusSkipped}
	for _, s := range terminal {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatus("")}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestJobMetadataMarshalRoundTrip(t *testing.T) {
	meta := JobMetadata{
		PartialProgress: map[string]StageProgress{
			"ocr": {},
		},
		RecoveryAttempts:   2,
		RecoveredFromStage: "ocr",
	}

	raw, err := meta.Marshal()
	require.NoError(t, err)

	got, err := ParseJobMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, meta.RecoveryAttempts, got.RecoveryAttempts)
	assert.Equal(t, meta.RecoveredFromStage, got.RecoveredFromStage)
	assert.Contains(t, got.PartialProgress, "ocr")
}

func TestJobMetadataMarshalEmpty(t *testing.T) {
	raw, err := JobMetadata{}.Marshal()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}

func TestParseJobMetadataEmptyColumn(t *testing.T) {
	got, err := ParseJobMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, JobMetadata{}, got)
}

func TestParseJobMetadataInvalidJSON(t *testing.T) {
	_, err := ParseJobMetadata([]byte("not json"))
	assert.Error(t, err)
}

func TestJobMetadataLastRecoveryAtPreserved(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := JobMetadata{LastRecoveryAt: &now}

	raw, err := meta.Marshal()
	require.NoError(t, err)

	got, err := ParseJobMetadata(raw)
	require.NoError(t, err)
	require.NotNil(t, got.LastRecoveryAt)
	assert.True(t, now.Equal(*got.LastRecoveryAt))
}
