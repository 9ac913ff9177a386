package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageClassification(t *testing.T) {
	for _, s := range []Stage{StagePreparing, StageCreating, StageConfiguring, StageInstalling, StageFinalizing} {
		assert.True(t, s.IsStep(), s)
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, StageScriptOutput.IsStep())
	assert.True(t, StageComplete.Terminal())
	assert.True(t, StageError.Terminal())
}

func TestProgressEventWireShape(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := ProgressEvent{
		TrackingID: "t-1",
		Sequence:   4,
		Timestamp:  ts,
		Percent:    60,
		Payload: ScriptOutputEvent{
			Message: "init script",
			Chunk:   OutputChunk{SessionID: "s-1", Stream: StreamStderr, Data: "warn\n", Sequence: 2},
		},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "t-1", m["trackingId"])
	assert.Equal(t, "script-output", m["stage"])
	assert.Equal(t, "init script", m["message"])
	assert.EqualValues(t, 60, m["progress"])
	assert.EqualValues(t, 4, m["sequence"])
	assert.NotContains(t, m, "error")
	assert.NotContains(t, m, "resultId")
	out, ok := m["scriptOutput"].(map[string]any)
	require.True(t, ok, "scriptOutput missing: %s", raw)
	assert.Equal(t, "stderr", out["stream"])
	assert.Equal(t, "warn\n", out["data"])
}

func TestProgressEventDecodesVariant(t *testing.T) {
	tests := []struct {
		name string
		json string
		want ProgressPayload
	}{
		{
			"step",
			`{"trackingId":"t","sequence":1,"stage":"creating","message":"creating vm","detail":"pool a","progress":20,"timestamp":"2026-03-01T12:00:00Z"}`,
			StepEvent{Step: StageCreating, Message: "creating vm", Detail: "pool a", Percent: 20},
		},
		{
			"complete",
			`{"trackingId":"t","sequence":5,"stage":"complete","message":"ready","progress":100,"timestamp":"2026-03-01T12:00:00Z","resultId":"vm-7"}`,
			CompleteEvent{Message: "ready", ResultID: "vm-7"},
		},
		{
			"error",
			`{"trackingId":"t","sequence":2,"stage":"error","message":"failed","progress":20,"timestamp":"2026-03-01T12:00:00Z","error":"pool exhausted"}`,
			ErrorEvent{Message: "failed", Error: "pool exhausted"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(tt.json), &ev))
			assert.Equal(t, tt.want, ev.Payload)
			assert.Equal(t, "t", ev.TrackingID)
		})
	}
}

func TestProgressEventRejectsUnknownStage(t *testing.T) {
	var ev ProgressEvent
	err := json.Unmarshal([]byte(`{"trackingId":"t","stage":"rebooting"}`), &ev)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProgressEventWithoutPayloadFailsToMarshal(t *testing.T) {
	_, err := json.Marshal(ProgressEvent{TrackingID: "t"})
	assert.Error(t, err)
}
