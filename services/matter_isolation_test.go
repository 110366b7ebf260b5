package services

import (
	"testing"

	"github.com/juhinebhnani4/ldip/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMatterID(t *testing.T) {
	t.Run("accepts uuid-shaped id", func(t *testing.T) {
		id, err := ValidateMatterID("a1b2c3d4-e5f6-7890-abcd-ef0123456789")
		require.NoError(t, err)
		assert.Equal(t, model.MatterID("a1b2c3d4-e5f6-7890-abcd-ef0123456789"), id)
	})

	t.Run("accepts short slug", func(t *testing.T) {
		id, err := ValidateMatterID("matter_42")
		require.NoError(t, err)
		assert.Equal(t, model.MatterID("matter_42"), id)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		_, err := ValidateMatterID("")
		require.Error(t, err)
		var target *ErrInvalidMatter
		assert.ErrorAs(t, err, &target)
	})

	t.Run("rejects id with path separators", func(t *testing.T) {
		_, err := ValidateMatterID("../etc/passwd")
		require.Error(t, err)
	})

	t.Run("rejects id with whitespace", func(t *testing.T) {
		_, err := ValidateMatterID("matter 42")
		require.Error(t, err)
	})
}

func TestValidateRows(t *testing.T) {
	matterID := model.MatterID("matter-a")

	t.Run("no error when every row matches", func(t *testing.T) {
		rows := []model.Document{
			{ID: "d1", MatterID: "matter-a"},
			{ID: "d2", MatterID: "matter-a"},
		}
		assert.NoError(t, ValidateRows(rows, matterID, "documents"))
	})

	t.Run("detects a leaked row from another matter", func(t *testing.T) {
		rows := []model.Document{
			{ID: "d1", MatterID: "matter-a"},
			{ID: "d2", MatterID: "matter-b"},
		}
		err := ValidateRows(rows, matterID, "documents")
		require.Error(t, err)
		var leak *ErrLeakDetected
		require.ErrorAs(t, err, &leak)
		assert.Equal(t, "matter-a", leak.Expected)
		assert.Equal(t, "matter-b", leak.Got)
		assert.Equal(t, "documents", leak.Table)
	})

	t.Run("empty row set is never a leak", func(t *testing.T) {
		assert.NoError(t, ValidateRows([]model.Document{}, matterID, "documents"))
	})
}
