package services

import (
	"testing"

	"github.com/juhinebhnani4/ldip/model"
	"github.com/stretchr/testify/assert"
)

func TestStageIndexOf(t *testing.T) {
	assert.Equal(t, 0, stageIndexOf("ocr"))
	assert.Equal(t, len(model.DocumentProcessingStages)-1, stageIndexOf("timeline"))
	assert.Equal(t, 0, stageIndexOf("not_a_real_stage"))
}

func TestStageCeilingPct(t *testing.T) {
	assert.Equal(t, 100, stageCeilingPct(0, 0))
	assert.Equal(t, 100, stageCeilingPct(6, 7))
	assert.Equal(t, 14, stageCeilingPct(0, 7))
}

func TestStageProgressPct(t *testing.T) {
	t.Run("returns ceiling when there are no items to track", func(t *testing.T) {
		assert.Equal(t, stageCeilingPct(2, 7), stageProgressPct(2, 7, 0, 0))
	})

	t.Run("interpolates between floor and ceiling as items complete", func(t *testing.T) {
		none := stageProgressPct(2, 7, 0, 10)
		half := stageProgressPct(2, 7, 5, 10)
		all := stageProgressPct(2, 7, 10, 10)

		assert.Less(t, none, half)
		assert.LessOrEqual(t, half, all)
		assert.Equal(t, stageCeilingPct(2, 7), all)
	})

	t.Run("zero total stages reports complete", func(t *testing.T) {
		assert.Equal(t, 100, stageProgressPct(0, 0, 3, 10))
	})
}
