package serverindex

import (
	"testing"

	"onemcp/internal/config"
	"onemcp/internal/tagquery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() map[string]config.ServerDescriptor {
	return map[string]config.ServerDescriptor{
		"fs": {Name: "fs", Tags: []string{"files", "primary"}},
		"db": {Name: "db", Tags: []string{"data"}},
		"gh": {Name: "gh", Tags: []string{"files", "remote"}},
	}
}

func TestEmptyIndexReturnsEmptySets(t *testing.T) {
	idx := Empty()
	assert.Empty(t, idx.ByTag("files"))
	assert.Empty(t, idx.ByAnyTag([]string{"files"}))
	assert.Empty(t, idx.All())
}

func TestByAnyAndAllTags(t *testing.T) {
	idx := Build(sample(), 1)

	any := idx.ByAnyTag([]string{"files", "data"})
	assert.Equal(t, map[string]struct{}{"fs": {}, "gh": {}, "db": {}}, any)

	all := idx.ByAllTags([]string{"files", "primary"})
	assert.Equal(t, map[string]struct{}{"fs": {}}, all)
}

func TestByAnyEqualsUnionOfByTag(t *testing.T) {
	idx := Build(sample(), 1)
	union := make(map[string]struct{})
	for name := range idx.ByTag("files") {
		union[name] = struct{}{}
	}
	for name := range idx.ByTag("data") {
		union[name] = struct{}{}
	}
	assert.Equal(t, union, idx.ByAnyTag([]string{"files", "data"}))
}

func TestByAllEqualsIntersectionOfByTag(t *testing.T) {
	idx := Build(sample(), 1)
	inter := idx.ByTag("files")
	for name := range inter {
		if _, ok := idx.ByTag("remote")[name]; !ok {
			delete(inter, name)
		}
	}
	assert.Equal(t, inter, idx.ByAllTags([]string{"files", "remote"}))
}

func TestEvaluateMatchesHandWrittenAST(t *testing.T) {
	idx := Build(sample(), 1)
	ast, err := tagquery.Parse("files AND NOT remote")
	require.NoError(t, err)
	result := idx.Evaluate(ast)
	assert.Equal(t, map[string]struct{}{"fs": {}}, result)
}

func TestPopularTagsOrdering(t *testing.T) {
	idx := Build(sample(), 1)
	popular := idx.PopularTags()
	require.NotEmpty(t, popular)
	assert.Equal(t, "files", popular[0].Tag)
	assert.Equal(t, 2, popular[0].Count)
}
