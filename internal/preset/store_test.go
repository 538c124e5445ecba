package preset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/config"
	"onemcp/internal/serverindex"
	"onemcp/internal/tagquery"
)

func testIndex() *serverindex.Index {
	return serverindex.Build(map[string]config.ServerDescriptor{
		"fs": {Name: "fs", Tags: []string{"files"}},
		"db": {Name: "db", Tags: []string{"data", "sql"}},
	}, 1)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presets.json")
	s, err := NewStore(path, func() *serverindex.Index { return testIndex() })
	require.NoError(t, err)
	return s
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	err := s.Save("p1", Config{Strategy: StrategySimpleOr, Tags: []string{"files"}})
	require.NoError(t, err)

	p, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.Name)
	assert.Equal(t, StrategySimpleOr, p.Strategy)
	assert.False(t, p.Created.IsZero())
	assert.False(t, p.LastModified.IsZero())
}

func TestSaveRejectsInvalidName(t *testing.T) {
	s := newTestStore(t)
	err := s.Save("bad name!", Config{Strategy: StrategySimpleOr, Tags: []string{"x"}})
	require.Error(t, err)
}

func TestSaveRejectsBadAdvancedExpression(t *testing.T) {
	s := newTestStore(t)
	err := s.Save("p1", Config{Strategy: StrategyAdvanced, TagExpression: "files AND ("})
	require.Error(t, err)
	_, getErr := s.Get("p1")
	assert.Error(t, getErr, "a failed save must not leave a partial preset behind")
}

func TestPersistedDocumentShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.json")
	s, err := NewStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save("p1", Config{Strategy: StrategySimpleAnd, Tags: []string{"a", "b"}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.JSONEq(t, `"1.0.0"`, string(doc["version"]))
	assert.Contains(t, string(doc["presets"]), "p1")
}

func TestReloadFromDiskSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.json")
	s, err := NewStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save("p1", Config{Strategy: StrategySimpleOr, Tags: []string{"files"}}))

	s2, err := NewStore(path, nil)
	require.NoError(t, err)
	p, err := s2.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, StrategySimpleOr, p.Strategy)
}

func TestDeleteRemovesAndNotifies(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("p1", Config{Strategy: StrategySimpleOr, Tags: []string{"files"}}))

	ch := s.Subscribe()
	require.NoError(t, s.Delete("p1"))
	select {
	case name := <-ch:
		assert.Equal(t, "p1", name)
	case <-time.After(time.Second):
		t.Fatal("no change notification after delete")
	}

	_, err := s.Get("p1")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestMarkUsedStampsLastUsed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("p1", Config{Strategy: StrategySimpleOr, Tags: []string{"files"}}))
	require.NoError(t, s.MarkUsed("p1"))
	p, err := s.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, p.LastUsed)
}

func TestResolveToExpression(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("p1", Config{Strategy: StrategySimpleAnd, Tags: []string{"Files", "primary"}}))

	expr, err := s.ResolveToExpression("p1")
	require.NoError(t, err)
	assert.Equal(t, "files AND primary", expr)

	reparsed, err := tagquery.Parse(expr)
	require.NoError(t, err)
	assert.True(t, tagquery.Eval(reparsed, tagquery.NewTagSet([]string{"files", "primary"})))
}

func TestTestEvaluatesAgainstLiveIndex(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("p1", Config{
		Strategy:      StrategyAdvanced,
		TagExpression: "data AND sql",
	}))

	res, err := s.Test("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, res.Servers)
	assert.Equal(t, []string{"data", "sql"}, res.Tags)
}

func TestStructuredQueryPreset(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("p1", Config{
		Strategy: StrategySimpleOr,
		TagQuery: &tagquery.StructuredQuery{Or: []*tagquery.StructuredQuery{{Tag: "files"}}},
	}))

	res, err := s.Test("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fs"}, res.Servers)
}

func TestSubscribersSeeEverySaveInOrder(t *testing.T) {
	s := newTestStore(t)
	ch := s.Subscribe()

	require.NoError(t, s.Save("a", Config{Strategy: StrategySimpleOr, Tags: []string{"x"}}))
	require.NoError(t, s.Save("b", Config{Strategy: StrategySimpleOr, Tags: []string{"y"}}))

	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)
}
