package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dmquery/internal/domain"
)

func TestFlattenDumpKeepsEveryProperty(t *testing.T) {
	other := domain.ViewReference{Space: "other_space", ExternalID: "Extra", Version: "3"}
	record := node("jennifer", map[string]any{
		"name":       "Jennifer",
		"age":        31,
		"tags":       []any{"a", "b"},
		"bestFriend": id("brenda"),
	})
	record.Properties.Set(other, "nickname", "Jen")
	record.Version = 4
	record.CreatedTime = 100

	row := flattenDump(record, nil)

	assert.Equal(t, "test_space", row["space"])
	assert.Equal(t, "jennifer", row["externalId"])
	assert.Equal(t, int64(4), row["version"])
	assert.Equal(t, int64(100), row["createdTime"])
	for _, props := range []map[string]any{record.Properties.ForView(personView), record.Properties.ForView(other)} {
		for name, value := range props {
			require.Contains(t, row, name)
			assert.Equal(t, dumpValue(value), row[name])
		}
	}
	assert.Equal(t, map[string]any{"space": "test_space", "externalId": "brenda"}, row["bestFriend"])

	selected := flattenDump(record, []string{"name"})
	assert.Equal(t, "Jennifer", selected["name"])
	assert.NotContains(t, selected, "age")
	assert.Contains(t, selected, "externalId", "identity is always kept")
}

func TestFlattenDumpEdge(t *testing.T) {
	row := flattenDump(edge("jennifer-brenda", "jennifer", "brenda"), nil)
	assert.Equal(t, map[string]any{"space": "test_space", "externalId": "jennifer"}, row["startNode"])
	assert.Equal(t, map[string]any{"space": "test_space", "externalId": "brenda"}, row["endNode"])
	assert.Equal(t, outwardsID.Dump(), row["type"])
}

func TestUnpackSingleHopScenario(t *testing.T) {
	steps := edgeChain(
		[]domain.Record{node("jennifer", map[string]any{"name": "Jennifer"})},
		[]domain.Record{edge("jennifer-brenda", "jennifer", "brenda")},
		nil,
	)[:2]

	rows, diagnostics, err := NewQueryUnpacker(steps, EdgesSkip, quietLogger()).Unpack()
	require.NoError(t, err)
	assert.Empty(t, diagnostics)
	require.Len(t, rows, 1)
	assert.Equal(t, "jennifer", rows[0]["externalId"])
	assert.Equal(t, "Jennifer", rows[0]["name"])
	assert.Equal(t, []any{map[string]any{"space": "test_space", "externalId": "brenda"}}, rows[0]["outwards"])
}

func TestUnpackTwoHopScenario(t *testing.T) {
	steps := edgeChain(
		[]domain.Record{node("jennifer", map[string]any{"name": "Jennifer"})},
		[]domain.Record{edge("jennifer-brenda", "jennifer", "brenda")},
		[]domain.Record{node("brenda", map[string]any{"name": "Brenda"})},
	)

	rows, _, err := NewQueryUnpacker(steps, EdgesSkip, quietLogger()).Unpack()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	outwards := rows[0]["outwards"].([]any)
	require.Len(t, outwards, 1)
	target := outwards[0].(map[string]any)
	assert.Equal(t, "brenda", target["externalId"])
	assert.Equal(t, "Brenda", target["name"])
}

func TestUnpackPreservesRootOrder(t *testing.T) {
	roots := []domain.Record{node("z", nil), node("a", nil), node("m", nil)}
	steps := edgeChain(roots, []domain.Record{edge("a-z", "a", "z")}, roots)

	rows, _, err := NewQueryUnpacker(steps, EdgesSkip, quietLogger()).Unpack()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, externalIDs(rows))
}

func TestUnpackSingleValuedEdge(t *testing.T) {
	steps := edgeChain(
		[]domain.Record{node("a", nil), node("b", nil)},
		[]domain.Record{edge("a-b", "a", "b")},
		nil,
	)[:2]
	steps[1].SingleValued = true

	rows, _, err := NewQueryUnpacker(steps, EdgesIdentifier, quietLogger()).Unpack()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"space": "test_space", "externalId": "a-b"}, rows[0]["outwards"])
	assert.Nil(t, rows[1]["outwards"])
}

func TestUnpackEdgeWithTwoTargetsIsInconsistent(t *testing.T) {
	steps := edgeChain([]domain.Record{node("a", nil)}, nil, nil)
	steps = append(steps, &Step{Name: "0_0_1", From: "0_0", Kind: domain.InstanceKindNode, View: personView})

	_, _, err := NewQueryUnpacker(steps, EdgesSkip, quietLogger()).Unpack()
	require.ErrorIs(t, err, ErrInconsistentState)
}

func TestParseEdgePolicy(t *testing.T) {
	policy, err := ParseEdgePolicy("")
	require.NoError(t, err)
	assert.Equal(t, EdgesSkip, policy)

	policy, err = ParseEdgePolicy("include")
	require.NoError(t, err)
	assert.Equal(t, EdgesInclude, policy)

	_, err = ParseEdgePolicy("everything")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
