package xml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `<?xml version="1.0"?>
<data xmlns:orx="http://openrosa.org/xforms" id="basic" instanceID="uuid:1">
  <name> Ada </name>
  <orx:meta>
    <orx:instanceID>uuid:2</orx:instanceID>
  </orx:meta>
  <g1><v>1</v></g1>
  <g1><v>2</v></g1>
  <media><file>a.jpg.enc</file></media>
  <media><file>b.jpg.enc</file></media>
</data>`

func TestParseAndNavigate(t *testing.T) {
	root, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "data", root.Name())
	assert.Equal(t, "basic", root.Attr("id"))
	assert.Equal(t, "uuid:1", root.Attr("instanceID"))

	name, ok := root.Child("name")
	require.True(t, ok)
	assert.Equal(t, "Ada", name.Value())

	_, ok = root.Child("missing")
	assert.False(t, ok)
}

func TestChildIgnoresNamespacePrefix(t *testing.T) {
	root, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	id, ok := root.FindPath([]string{"meta", "instanceID"})
	require.True(t, ok)
	assert.Equal(t, "uuid:2", id.Value())
}

func TestChildrenDocumentOrder(t *testing.T) {
	root, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	g1s := root.Children("g1")
	require.Len(t, g1s, 2)
	v1, _ := g1s[0].Child("v")
	v2, _ := g1s[1].Child("v")
	assert.Equal(t, "1", v1.Value())
	assert.Equal(t, "2", v2.Value())
}

func TestFindAll(t *testing.T) {
	root, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	files := root.FindAll([]string{"media", "file"})
	// FindAll follows the single chain of earlier steps: only the first
	// media element's files are returned.
	require.Len(t, files, 1)
	assert.Equal(t, "a.jpg.enc", files[0].Value())

	vs := root.FindAll([]string{"g1"})
	assert.Len(t, vs, 2)
}

func TestZeroElementIsSafe(t *testing.T) {
	var e Element
	assert.True(t, e.IsZero())
	assert.Equal(t, "", e.Value())
	assert.Equal(t, "", e.Attr("x"))
	_, ok := e.Child("x")
	assert.False(t, ok)
	assert.Empty(t, e.AllChildren())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("not xml <"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader(""))
	assert.Error(t, err)
}
