package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildNestedTree() *Node {
	// data
	//   name (string)
	//   g1 (repeat)
	//     age (int)
	//     g2 (repeat)
	//       note (string)
	//       g3 (repeat)
	//         leaf (string)
	return NewRoot("data").Add(
		NewField("name", TypeString),
		NewRepeat("g1",
			NewField("age", TypeInt),
			NewRepeat("g2",
				NewField("note", TypeString),
				NewRepeat("g3",
					NewField("leaf", TypeString),
				),
			),
		),
	).Seal()
}

func TestRepeatableFieldsPreOrder(t *testing.T) {
	root := buildNestedTree()

	reps := root.RepeatableFields()
	require.Len(t, reps, 3)
	assert.Equal(t, "g1", reps[0].Name)
	assert.Equal(t, "g2", reps[1].Name)
	assert.Equal(t, "g3", reps[2].Name)
}

func TestFQN(t *testing.T) {
	root := buildNestedTree()
	reps := root.RepeatableFields()

	assert.Equal(t, "", root.FQN())
	assert.Equal(t, "g1", reps[0].FQN())
	assert.Equal(t, "g1/g2", reps[1].FQN())
	assert.Equal(t, "g1/g2/g3", reps[2].FQN())
}

func TestRepeatAncestor(t *testing.T) {
	root := buildNestedTree()
	reps := root.RepeatableFields()

	assert.Same(t, root, reps[0].RepeatAncestor())
	assert.Same(t, reps[0], reps[1].RepeatAncestor())
	assert.Same(t, reps[1], reps[2].RepeatAncestor())
}

func TestDirectRepeatsStopsAtBoundaries(t *testing.T) {
	root := NewRoot("data").Add(
		NewGroup("outer",
			NewRepeat("r1", NewField("a", TypeString)),
		),
		NewRepeat("r2",
			NewRepeat("inner", NewField("b", TypeString)),
		),
	).Seal()

	direct := root.DirectRepeats()
	require.Len(t, direct, 2)
	assert.Equal(t, "r1", direct[0].Name)
	assert.Equal(t, "r2", direct[1].Name)

	inner := direct[1].DirectRepeats()
	require.Len(t, inner, 1)
	assert.Equal(t, "inner", inner[0].Name)
}

func TestPathFrom(t *testing.T) {
	root := NewRoot("data").Add(
		NewGroup("loc",
			NewRepeat("r", NewField("x", TypeString)),
		),
	).Seal()

	r := root.RepeatableFields()[0]
	assert.Equal(t, []string{"loc", "r"}, r.PathFrom(root))
	assert.Equal(t, []string{"x"}, r.Children[0].PathFrom(r))
}

func TestFlattenColumns(t *testing.T) {
	root := NewRoot("data").Add(
		NewField("name", TypeString),
		NewGroup("location",
			NewGroup("gps",
				NewField("where", TypeGeopoint),
			),
			NewField("city", TypeString),
		),
		NewRepeat("g1", NewField("age", TypeInt)),
		NewField("done", TypeBoolean),
	).Seal()

	cols := FlattenColumns(root)
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.Header
	}

	assert.Equal(t, []string{
		"name",
		"location-gps-where-Latitude",
		"location-gps-where-Longitude",
		"location-gps-where-Altitude",
		"location-gps-where-Accuracy",
		"location-city",
		"SET-OF-g1",
		"done",
	}, headers)

	// Geopoint components carry their ordinal and the instance path.
	assert.Equal(t, GeoLatitude, cols[1].Geo)
	assert.Equal(t, GeoAccuracy, cols[4].Geo)
	assert.Equal(t, []string{"location", "gps", "where"}, cols[1].Path)

	// The repeat collapses into a placeholder.
	assert.True(t, cols[6].SetOf)
	assert.Equal(t, []string{"g1"}, cols[6].Path)
}

func TestFlattenColumnsSiblingPathsDoNotAlias(t *testing.T) {
	root := NewRoot("data").Add(
		NewGroup("g",
			NewField("a", TypeString),
			NewField("b", TypeString),
		),
	).Seal()

	cols := FlattenColumns(root)
	require.Len(t, cols, 2)
	assert.Equal(t, []string{"g", "a"}, cols[0].Path)
	assert.Equal(t, []string{"g", "b"}, cols[1].Path)
}
