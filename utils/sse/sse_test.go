package sse

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWriter() (*bytes.Buffer, *bufio.Writer) {
	buf := &bytes.Buffer{}
	return buf, bufio.NewWriter(buf)
}

func TestSendWritesEventTypeAndJSONData(t *testing.T) {
	buf, w := newWriter()

	err := Send(w, Event{Event: "progress", Data: map[string]int{"pct": 42}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "event: progress\n")
	assert.Contains(t, out, `data: {"pct":42}`)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n\n")))
}

func TestSendWithStringDataIsNotJSONEncoded(t *testing.T) {
	buf, w := newWriter()

	require.NoError(t, Send(w, Event{Data: "already a string"}))
	assert.Contains(t, buf.String(), "data: already a string\n\n")
}

func TestSendWritesIDAndRetry(t *testing.T) {
	buf, w := newWriter()

	require.NoError(t, Send(w, Event{ID: "evt-1", Retry: 3000, Data: "x"}))

	out := buf.String()
	assert.Contains(t, out, "id: evt-1\n")
	assert.Contains(t, out, "retry: 3000\n")
}

func TestSendProgressSetsEventType(t *testing.T) {
	buf, w := newWriter()
	require.NoError(t, SendProgress(w, map[string]string{"stage": "ocr"}))
	assert.Contains(t, buf.String(), "event: progress\n")
}

func TestSendStartedCompleteError(t *testing.T) {
	buf, w := newWriter()
	require.NoError(t, SendStarted(w, "job-1"))
	assert.Contains(t, buf.String(), "event: started\n")

	buf, w = newWriter()
	require.NoError(t, SendComplete(w, "job-1"))
	assert.Contains(t, buf.String(), "event: complete\n")

	buf, w = newWriter()
	require.NoError(t, SendError(w, errors.New("boom")))
	out := buf.String()
	assert.Contains(t, out, "event: error\n")
	assert.Contains(t, out, "boom")
}

func TestSendErrorWithDetailsOmitsDetailsWhenNil(t *testing.T) {
	buf, w := newWriter()
	require.NoError(t, SendErrorWithDetails(w, "validation", "bad input", nil))
	assert.NotContains(t, buf.String(), `"details"`)
}

func TestSendErrorWithDetailsIncludesDetails(t *testing.T) {
	buf, w := newWriter()
	require.NoError(t, SendErrorWithDetails(w, "validation", "bad input", map[string]string{"field": "reason"}))
	assert.Contains(t, buf.String(), `"details"`)
}

func TestSendKeepAliveWritesComment(t *testing.T) {
	buf, w := newWriter()
	require.NoError(t, SendKeepAlive(w))
	assert.Equal(t, ": ping\n\n", buf.String())
}
