// Package form loads an XForms definition into the schema tree the export
// core consumes. Only the pieces the exporter needs are read: the primary
// instance, bind types, body repeat declarations, and the encryption marker.
package form

import (
	"fmt"
	"path/filepath"
	"strings"

	"formexport/internal/model"
	"formexport/internal/parser/xml"
)

// Definition is a loaded form: identity, encryption marker, and schema tree.
type Definition struct {
	FormID      string
	FormName    string
	FormVersion string
	IsEncrypted bool
	FormDir     string
	Model       *model.Node
}

// Load parses the form definition XML at path. The form directory (which
// holds instances/) is taken to be the file's parent directory.
func Load(path string) (*Definition, error) {
	root, err := xml.ParseFile(path)
	if err != nil {
		return nil, err
	}
	def, err := FromXML(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.FormDir = filepath.Dir(path)
	return def, nil
}

// FromXML builds a Definition from a parsed h:html document root.
func FromXML(root xml.Element) (*Definition, error) {
	head, ok := root.Child("head")
	if !ok {
		return nil, fmt.Errorf("form has no head element")
	}
	modelEl, ok := head.Child("model")
	if !ok {
		return nil, fmt.Errorf("form has no model element")
	}
	instance, ok := modelEl.Child("instance")
	if !ok {
		return nil, fmt.Errorf("form has no primary instance")
	}
	kids := instance.AllChildren()
	if len(kids) == 0 {
		return nil, fmt.Errorf("primary instance is empty")
	}
	data := kids[0]

	def := &Definition{
		FormID:      data.Attr("id"),
		FormVersion: data.Attr("version"),
	}
	if def.FormID == "" {
		return nil, fmt.Errorf("primary instance has no id attribute")
	}
	if title, ok := head.Child("title"); ok {
		def.FormName = title.Value()
	}
	if def.FormName == "" {
		def.FormName = def.FormID
	}
	if sub, ok := modelEl.Child("submission"); ok {
		def.IsEncrypted = sub.Attr("base64RsaPublicKey") != ""
	}

	types := bindTypes(modelEl, data.Name())
	repeats := repeatNodesets(root, data.Name())

	tree := model.NewRoot(data.Name())
	buildChildren(tree, data, "", types, repeats)
	def.Model = tree.Seal()
	return def, nil
}

// bindTypes maps instance-relative slash paths to field types from the bind
// declarations. Namespace prefixes on type names (xsd:int) are dropped.
func bindTypes(modelEl xml.Element, rootName string) map[string]model.FieldType {
	out := map[string]model.FieldType{}
	for _, b := range modelEl.Children("bind") {
		nodeset := b.Attr("nodeset")
		if nodeset == "" {
			nodeset = b.Attr("ref")
		}
		rel := relativePath(nodeset, rootName)
		if rel == "" {
			continue
		}
		t := b.Attr("type")
		if i := strings.IndexByte(t, ':'); i >= 0 {
			t = t[i+1:]
		}
		out[rel] = fieldType(t)
	}
	return out
}

func fieldType(t string) model.FieldType {
	switch t {
	case "int", "integer":
		return model.TypeInt
	case "decimal", "double", "float":
		return model.TypeDecimal
	case "boolean":
		return model.TypeBoolean
	case "date":
		return model.TypeDate
	case "time":
		return model.TypeTime
	case "dateTime":
		return model.TypeDateTime
	case "geopoint":
		return model.TypeGeopoint
	case "geotrace":
		return model.TypeGeotrace
	case "geoshape":
		return model.TypeGeoshape
	case "binary":
		return model.TypeBinary
	case "select1":
		return model.TypeSelectOne
	case "select":
		return model.TypeSelectMulti
	default:
		return model.TypeString
	}
}

// repeatNodesets collects every instance-relative path declared as a repeat
// anywhere in the form body.
func repeatNodesets(root xml.Element, rootName string) map[string]bool {
	out := map[string]bool{}
	body, ok := root.Child("body")
	if !ok {
		return out
	}
	var walk func(xml.Element)
	walk = func(e xml.Element) {
		for _, c := range e.AllChildren() {
			if c.Name() == "repeat" {
				nodeset := c.Attr("nodeset")
				if nodeset == "" {
					nodeset = c.Attr("ref")
				}
				if rel := relativePath(nodeset, rootName); rel != "" {
					out[rel] = true
				}
			}
			walk(c)
		}
	}
	walk(body)
	return out
}

// relativePath turns /data/g1/age (or data/g1/age) into g1/age.
func relativePath(nodeset, rootName string) string {
	p := strings.TrimPrefix(nodeset, "/")
	p = strings.TrimPrefix(p, rootName)
	return strings.Trim(p, "/")
}

// buildChildren mirrors the primary instance structure into schema nodes.
// The meta subtree is metadata, not answer data, and is excluded.
func buildChildren(parent *model.Node, el xml.Element, prefix string, types map[string]model.FieldType, repeats map[string]bool) {
	for _, c := range el.AllChildren() {
		if prefix == "" && c.Name() == "meta" {
			continue
		}
		path := c.Name()
		if prefix != "" {
			path = prefix + "/" + c.Name()
		}

		if len(c.AllChildren()) > 0 {
			var node *model.Node
			if repeats[path] {
				node = model.NewRepeat(c.Name())
			} else {
				node = model.NewGroup(c.Name())
			}
			parent.Add(node)
			buildChildren(node, c, path, types, repeats)
			continue
		}

		t, ok := types[path]
		if !ok {
			t = model.TypeString
		}
		if repeats[path] {
			// A repeat that happens to be empty in the blank instance.
			parent.Add(model.NewRepeat(c.Name()))
			continue
		}
		parent.Add(model.NewField(c.Name(), t))
	}
}
