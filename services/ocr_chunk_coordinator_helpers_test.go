package services

import (
	"testing"

	"github.com/juhinebhnani4/ldip/config"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(pageChunkSize int) *OCRChunkCoordinator {
	cfg := &config.EnviornmentVariable{PAGE_CHUNK_SIZE: pageChunkSize}
	return NewOCRChunkCoordinator(nil, nil, nil, nil, nil, nil, cfg)
}

func TestShouldFanOut(t *testing.T) {
	c := newTestCoordinator(25)

	assert.False(t, c.ShouldFanOut(10))
	assert.False(t, c.ShouldFanOut(25))
	assert.True(t, c.ShouldFanOut(26))
}

func TestPartitionSplitsIntoPageRangeChunks(t *testing.T) {
	c := newTestCoordinator(25)
	job := &model.ProcessingJob{ID: "job-1", MatterID: "matter-1"}
	doc := &model.Document{ID: "doc-1", PageCount: 60}

	chunks, err := c.partition(job, doc)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, 1, chunks[0].PageStart)
	assert.Equal(t, 25, chunks[0].PageEnd)
	assert.Equal(t, 26, chunks[1].PageStart)
	assert.Equal(t, 50, chunks[1].PageEnd)
	assert.Equal(t, 51, chunks[2].PageStart)
	assert.Equal(t, 60, chunks[2].PageEnd, "the last chunk must be clamped to the document's actual page count")

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, model.ChunkStatusPending, chunk.Status)
		assert.Equal(t, "job-1", chunk.JobID)
		assert.Equal(t, "doc-1", chunk.DocumentID)
		assert.Equal(t, "matter-1", chunk.MatterID)
	}
}

func TestPartitionRejectsDocumentWithNoPageCount(t *testing.T) {
	c := newTestCoordinator(25)
	job := &model.ProcessingJob{ID: "job-1"}
	doc := &model.Document{ID: "doc-1", PageCount: 0}

	_, err := c.partition(job, doc)
	assert.Error(t, err)
}
