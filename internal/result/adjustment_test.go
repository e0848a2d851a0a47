package result

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustmentTable_Lookup(t *testing.T) {
	table := NewAdjustmentTable([]string{"freq_offs", "pow_offs"},
		AdjustmentEntry{Group: 4.7, X: 0.5, Values: map[string]float64{"freq_offs": 12, "pow_offs": -0.4}},
		AdjustmentEntry{Group: 5, X: 1},
	)

	testCases := []struct {
		name  string
		group float64
		x     float64
		field string
		want  float64
	}{
		{"present", 4.7, 0.5, "freq_offs", 12},
		{"second field", 4.7, 0.5, "pow_offs", -0.4},
		{"float noise", 4.7000000001, 0.5, "freq_offs", 12},
		{"empty entry", 5, 1, "freq_offs", 0},
		{"missing coordinate", 5.3, 0.5, "freq_offs", 0},
		{"missing field", 4.7, 0.5, "other", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := table.Lookup(tc.group, tc.x, tc.field)
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
	assert.Equal(t, 2, table.Len())
}

func TestAdjustmentTable_NilIsZero(t *testing.T) {
	var table *AdjustmentTable
	assert.Equal(t, 0.0, table.Lookup(1, 2, "k_loss"))
	assert.Equal(t, 0, table.Len())
}

func TestAdjustmentTable_SetOverwrites(t *testing.T) {
	table := NewAdjustmentTable([]string{"k_loss"})
	table.Set(1, 2, "k_loss", 1)
	table.Set(1, 2, "k_loss", 3)
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 3.0, table.Lookup(1, 2, "k_loss"))
}

func TestAdjustmentTable_JSONRebuildsIndex(t *testing.T) {
	table := NewAdjustmentTable([]string{"k_loss"})
	table.Set(0.55, 10, "k_loss", -0.25)

	data, err := json.Marshal(table)
	require.NoError(t, err)

	var decoded AdjustmentTable
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, -0.25, decoded.Lookup(0.55, 10, "k_loss"))
	assert.Equal(t, []string{"k_loss"}, decoded.Fields)
}

func TestAdjustmentTable_LiteralWithoutIndex(t *testing.T) {
	table := &AdjustmentTable{Entries: []AdjustmentEntry{
		{Group: 1, X: 1, Values: map[string]float64{"k_loss": 2}},
	}}
	assert.Equal(t, 2.0, table.Lookup(1, 1, "k_loss"))
}

func TestMemoryTemplates(t *testing.T) {
	store := NewMemoryTemplates()

	got, err := store.LoadAdjustments("vco")
	require.NoError(t, err)
	assert.Nil(t, got)

	table := NewAdjustmentTable([]string{"freq_offs"})
	table.Set(5, 1, "freq_offs", 3)
	require.NoError(t, store.SaveAdjustments("vco", table))

	// Later edits to the caller's table do not leak into the store.
	table.Set(5, 1, "freq_offs", 9)

	got, err = store.LoadAdjustments("vco")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Lookup(5, 1, "freq_offs"))

	require.NoError(t, store.DeleteAdjustments("vco"))
	got, err = store.LoadAdjustments("vco")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGroupLabel(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{4.7, "4.7"},
		{5, "5"},
		{0.05, "0.05"},
		{1.55, "1.55"},
	}
	for _, tc := range testCases {
		if got := GroupLabel(tc.in); got != tc.want {
			t.Errorf("Expected %v, got %v", tc.want, got)
		}
	}
}
