package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeyIsNamespacedPerTaskType(t *testing.T) {
	assert.Equal(t, "queue:tasks:process_document", queueKey(TaskProcessDocument))
	assert.Equal(t, "queue:tasks:ocr_chunk", queueKey(TaskOCRChunk))
	assert.NotEqual(t, queueKey(TaskProcessDocument), queueKey(TaskStage))
}

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	payload := ProcessDocumentPayload{DocumentID: "doc-1"}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	task := Task{Type: TaskProcessDocument, Payload: data}
	encoded, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, TaskProcessDocument, decoded.Type)

	var decodedPayload ProcessDocumentPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &decodedPayload))
	assert.Equal(t, "doc-1", decodedPayload.DocumentID)
}

func TestStageTaskPayloadRoundTrip(t *testing.T) {
	payload := StageTaskPayload{JobID: "job-1", StageName: "ocr", Items: []string{"1", "2"}, Force: true}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded StageTaskPayload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, payload, decoded)
}
