package tagquery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInfixPrecedence(t *testing.T) {
	ast, err := Parse("files AND NOT legacy OR admin")
	require.NoError(t, err)
	// OR binds loosest: (files AND NOT legacy) OR admin
	assert.True(t, Eval(ast, NewTagSet([]string{"files"})))
	assert.False(t, Eval(ast, NewTagSet([]string{"files", "legacy"})))
	assert.True(t, Eval(ast, NewTagSet([]string{"admin"})))
}

func TestParseCaseInsensitiveKeywordsAndTagNormalization(t *testing.T) {
	ast, err := Parse("Files and not Legacy")
	require.NoError(t, err)
	assert.True(t, Eval(ast, NewTagSet([]string{"FILES"})))
	assert.False(t, Eval(ast, NewTagSet([]string{"files", "LEGACY"})))
}

func TestParseGroupingOverridesPrecedence(t *testing.T) {
	ast, err := Parse("(files OR admin) AND NOT legacy")
	require.NoError(t, err)
	assert.True(t, Eval(ast, NewTagSet([]string{"admin"})))
	assert.False(t, Eval(ast, NewTagSet([]string{"admin", "legacy"})))
}

func TestParseSyntaxErrorNeverPartiallySucceeds(t *testing.T) {
	_, err := Parse("files AND (admin")
	require.Error(t, err)
	var invalid *InvalidExpressionError
	require.ErrorAs(t, err, &invalid)

	_, err = Parse("AND files")
	require.Error(t, err)

	_, err = Parse("files $$")
	require.Error(t, err)
}

func TestParseEmptyExpression(t *testing.T) {
	ast, err := Parse("   ")
	require.NoError(t, err)
	assert.True(t, ast.IsEmpty())
	assert.False(t, Eval(ast, NewTagSet([]string{"files"})))
}

func TestStringRoundTrip(t *testing.T) {
	inputs := []string{
		"files",
		"files AND admin",
		"files OR admin OR data",
		"NOT files",
		"(files OR admin) AND NOT legacy",
		"files AND NOT legacy OR admin",
	}
	for _, in := range inputs {
		ast, err := Parse(in)
		require.NoError(t, err)
		printed := ast.String()
		reparsed, err := Parse(printed)
		require.NoErrorf(t, err, "reparsing %q (printed from %q)", printed, in)
		for _, tagset := range []TagSet{
			NewTagSet([]string{"files"}),
			NewTagSet([]string{"admin"}),
			NewTagSet([]string{"files", "legacy"}),
			NewTagSet(nil),
		} {
			assert.Equal(t, Eval(ast, tagset), Eval(reparsed, tagset), "mismatch for input %q tagset %v", in, tagset)
		}
	}
}

func TestStructuredParse(t *testing.T) {
	ast, err := ParseStructured([]byte(`{"$and":[{"tag":"files"},{"$not":{"tag":"legacy"}}]}`))
	require.NoError(t, err)
	assert.True(t, Eval(ast, NewTagSet([]string{"files"})))
	assert.False(t, Eval(ast, NewTagSet([]string{"files", "legacy"})))
}

func TestStructuredParseUnknownOperator(t *testing.T) {
	_, err := ParseStructured([]byte(`{"$xor":[{"tag":"files"}]}`))
	require.Error(t, err)
}

func TestStructuredRoundTrip(t *testing.T) {
	ast, err := Parse("files AND (admin OR data)")
	require.NoError(t, err)
	sq := ToStructured(ast)
	raw, err := json.Marshal(sq)
	require.NoError(t, err)
	reparsed, err := ParseStructured(raw)
	require.NoError(t, err)
	assert.Equal(t, Eval(ast, NewTagSet([]string{"files", "data"})), Eval(reparsed, NewTagSet([]string{"files", "data"})))
}

func TestEvalDeterministic(t *testing.T) {
	ast, err := Parse("files AND data")
	require.NoError(t, err)
	tags := NewTagSet([]string{"files", "data"})
	assert.Equal(t, Eval(ast, tags), Eval(ast, tags))
}
