package model

// Geopoint component ordinals. A geopoint field expands to four columns in
// this order.
const (
	GeoLatitude = iota
	GeoLongitude
	GeoAltitude
	GeoAccuracy
)

var geoSuffixes = [...]string{"Latitude", "Longitude", "Altitude", "Accuracy"}

// ColumnSpec describes one output CSV column produced by flattening a node.
//
// Exactly one of the following shapes applies:
//   - SetOf true: a SET-OF-<repeat> placeholder column; Field is the repeat.
//   - Geo >= 0: one geopoint component; Field is the geopoint field.
//   - otherwise: a plain field column.
type ColumnSpec struct {
	// Header is the column title, with group prefixes already joined.
	Header string

	// Field is the schema node the column reads from.
	Field *Node

	// Path holds the local-name steps from the flattening root down to
	// Field, used to locate values inside an instance element.
	Path []string

	// Geo is the geopoint component ordinal, or -1.
	Geo int

	// SetOf marks a repeat placeholder column.
	SetOf bool
}

// FlattenColumns produces the ordered column list for one row of n: leaf
// descendants of inline groups are dash-prefixed with their group names,
// geopoints split into four components, and child repeats collapse into a
// single SET-OF placeholder.
func FlattenColumns(n *Node) []ColumnSpec {
	var out []ColumnSpec
	flatten(n, "", nil, &out)
	return out
}

func flatten(n *Node, prefix string, path []string, out *[]ColumnSpec) {
	for _, c := range n.Children {
		name := c.Name
		if prefix != "" {
			name = prefix + "-" + c.Name
		}
		childPath := appendPath(path, c.Name)

		switch c.Kind {
		case KindRepeat:
			*out = append(*out, ColumnSpec{
				Header: "SET-OF-" + c.Name,
				Field:  c,
				Path:   childPath,
				Geo:    -1,
				SetOf:  true,
			})

		case KindGroup:
			flatten(c, name, childPath, out)

		case KindField:
			if c.Type == TypeGeopoint {
				for comp, suffix := range geoSuffixes {
					*out = append(*out, ColumnSpec{
						Header: name + "-" + suffix,
						Field:  c,
						Path:   childPath,
						Geo:    comp,
					})
				}
				continue
			}
			*out = append(*out, ColumnSpec{
				Header: name,
				Field:  c,
				Path:   childPath,
				Geo:    -1,
			})
		}
	}
}

// appendPath copies on append so sibling branches never share backing arrays.
func appendPath(path []string, name string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, name)
}
