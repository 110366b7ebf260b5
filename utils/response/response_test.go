package response

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculatePagination(t *testing.T) {
	t.Run("computes total pages with a remainder", func(t *testing.T) {
		meta := CalculatePagination(1, 20, 45)
		assert.Equal(t, 1, meta.CurrentPage)
		assert.Equal(t, 20, meta.PerPage)
		assert.Equal(t, int64(45), meta.Total)
		assert.Equal(t, 3, meta.TotalPages)
	})

	t.Run("clamps a non-positive page to 1", func(t *testing.T) {
		meta := CalculatePagination(0, 20, 10)
		assert.Equal(t, 1, meta.CurrentPage)
	})

	t.Run("defaults a non-positive limit to 10", func(t *testing.T) {
		meta := CalculatePagination(1, 0, 10)
		assert.Equal(t, 10, meta.PerPage)
	})

	t.Run("caps an excessive limit at 100", func(t *testing.T) {
		meta := CalculatePagination(1, 500, 1000)
		assert.Equal(t, 100, meta.PerPage)
	})

	t.Run("exact multiple of limit has no extra page", func(t *testing.T) {
		meta := CalculatePagination(1, 10, 30)
		assert.Equal(t, 3, meta.TotalPages)
	})

	t.Run("zero total is zero pages", func(t *testing.T) {
		meta := CalculatePagination(1, 10, 0)
		assert.Equal(t, 0, meta.TotalPages)
	})
}
