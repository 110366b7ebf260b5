package services

import (
	"testing"

	"github.com/juhinebhnani4/ldip/model"
	"github.com/stretchr/testify/assert"
)

func TestQueryCacheKeyIsStableAndMatterScoped(t *testing.T) {
	matterA := model.MatterID("matter-a")
	matterB := model.MatterID("matter-b")

	k1 := queryCacheKey(matterA, "select documents")
	k2 := queryCacheKey(matterA, "select documents")
	assert.Equal(t, k1, k2, "same matter and query must hash to the same key")

	k3 := queryCacheKey(matterB, "select documents")
	assert.NotEqual(t, k1, k3, "different matters must never collide on a cache key")

	k4 := queryCacheKey(matterA, "select entities")
	assert.NotEqual(t, k1, k4, "different queries must never collide on a cache key")

	assert.Contains(t, k1, string(matterA))
}
