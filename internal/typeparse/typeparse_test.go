package typeparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wappabot/wappa/internal/schema"
)

func testParser(t *testing.T) *Parser {
	t.Helper()
	loader, err := schema.NewLoader(nil)
	require.NoError(t, err)
	return New(loader)
}

func intList(min, max int) schema.ParameterDef {
	return schema.ParameterDef{Name: "items", Type: "int", IsList: true, Min: min, Max: max}
}

func TestParseMissingAndDefaults(t *testing.T) {
	p := testParser(t)

	_, err := p.Parse("", schema.ParameterDef{Name: "amount", Type: "int"})
	assert.ErrorIs(t, err, ErrMissing)

	v, err := p.Parse("", schema.ParameterDef{Name: "page", Type: "int", Optional: true, Default: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = p.Parse("", schema.ParameterDef{Name: "note", Type: "string", Optional: true})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestParseUnionFirstBranchWins(t *testing.T) {
	p := testParser(t)
	v, err := p.Parse("5", schema.ParameterDef{Name: "x", Type: "int|word"})
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = p.Parse("hello", schema.ParameterDef{Name: "x", Type: "int|word"})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestParseListExpandsRanges(t *testing.T) {
	p := testParser(t)
	v, err := p.Parse("3-5", intList(1, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{3, 4, 5}, v)

	// Descending ranges keep their order.
	v, err = p.Parse("5-3", intList(1, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{5, 4, 3}, v)

	// Negative bounds are not read as range separators.
	v, err = p.Parse("-2", intList(1, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{-2}, v)
}

func TestParseListDeduplicatesFirstOccurrence(t *testing.T) {
	p := testParser(t)
	v, err := p.Parse("4,1-3,2,1", intList(1, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{4, 1, 2, 3}, v)
}

func TestParseListMinMax(t *testing.T) {
	p := testParser(t)

	_, err := p.Parse("1", intList(2, 0))
	assert.ErrorContains(t, err, "at least 2")

	_, err = p.Parse("1,2,3", intList(0, 2))
	assert.ErrorContains(t, err, "at most 2")
}

func TestParseListRejectsHugeRangeBeforeExpanding(t *testing.T) {
	p := testParser(t)

	_, err := p.Parse("1-2000000000", intList(1, 0))
	require.Error(t, err)
	assert.ErrorContains(t, err, "at most")

	_, err = p.Parse("1-2000000000", intList(0, 5))
	require.Error(t, err)
	assert.ErrorContains(t, err, "at most 5")

	// Bounds far enough apart to overflow the span arithmetic still error.
	_, err = p.Parse("-9000000000000000000-9000000000000000000", intList(1, 0))
	require.Error(t, err)
}

func TestParseListEscapedComma(t *testing.T) {
	p := testParser(t)
	v, err := p.Parse(`a\,b,c`, schema.ParameterDef{Name: "tags", Type: "word", IsList: true})
	require.NoError(t, err)
	assert.Equal(t, []any{"a,b", "c"}, v)
}

func TestParseDerivedTypes(t *testing.T) {
	p := testParser(t)

	v, err := p.Parse("12036304@g.us", schema.ParameterDef{Name: "g", Type: "GroupId"})
	require.NoError(t, err)
	assert.Equal(t, "12036304@g.us", v)

	_, err = p.Parse("12036304@s.whatsapp.net", schema.ParameterDef{Name: "g", Type: "GroupId"})
	assert.Error(t, err)
}
