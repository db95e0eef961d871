package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"formexport/internal/model"
	"formexport/internal/parser/xml"
)

// mapperOptions carries the per-run settings the row mapper needs.
type mapperOptions struct {
	Media *mediaCopier // nil when media export is off
}

// mediaCopier copies referenced media into the export media directory.
// Collisions are resolved against the names claimed during this run, not
// against the disk, so re-running an overwrite export stays byte-identical.
type mediaCopier struct {
	mu   sync.Mutex
	dir  string
	used map[string]bool
}

func newMediaCopier(dir string) *mediaCopier {
	return &mediaCopier{dir: dir, used: make(map[string]bool)}
}

// claim reserves an output name for a source file, suffixing -2, -3, ...
// before the extension until the name is free within this run.
func (m *mediaCopier) claim(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	final := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 2; m.used[final]; n++ {
		final = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
	m.used[final] = true
	return final
}

// mainHeader builds the main CSV header line: SubmissionDate, the flattened
// top-level columns, KEY, and isValidated for encrypted forms.
func mainHeader(root *model.Node, encrypted bool) string {
	cells := []string{"SubmissionDate"}
	for _, col := range model.FlattenColumns(root) {
		cells = append(cells, csvCell(col.Header, false))
	}
	cells = append(cells, "KEY")
	if encrypted {
		cells = append(cells, "isValidated")
	}
	return strings.Join(cells, ",") + "\n"
}

// repeatHeader builds a repeat CSV header line: PARENT_KEY, KEY, the SET-OF
// column naming this repeat's instance sets, then the repeat's own columns.
func repeatHeader(rep *model.Node) string {
	cells := []string{"PARENT_KEY", "KEY", "SET-OF-" + rep.Name}
	for _, col := range model.FlattenColumns(rep) {
		cells = append(cells, csvCell(col.Header, false))
	}
	return strings.Join(cells, ",") + "\n"
}

// collectRows maps one submission to its main CSV line plus the lines for
// every repeat CSV, keyed by repeat FQN. Nothing is written here; the caller
// appends lines only after the whole submission mapped cleanly, which keeps
// partial submissions out of the output files.
func collectRows(sub *Submission, root *model.Node, encrypted bool, opt mapperOptions) (string, map[string][]string, error) {
	key := sub.Key()

	repeatLines := make(map[string][]string)
	if err := appendRepeatRows(root, sub.Root, key, sub, opt, repeatLines); err != nil {
		return "", nil, err
	}

	cells := make([]string, 0, 8)
	if sub.Meta.HasDate {
		cells = append(cells, csvCell(formatDateTime(sub.Meta.SubmissionDate), false))
	} else {
		cells = append(cells, "")
	}

	fieldCells, err := rowCells(model.FlattenColumns(root), sub.Root, key, sub, opt)
	if err != nil {
		return "", nil, err
	}
	cells = append(cells, fieldCells...)

	cells = append(cells, csvCell(key, false))
	if encrypted {
		cells = append(cells, formatBoolCell(sub.Validation == Valid))
	}
	return strings.Join(cells, ",") + "\n", repeatLines, nil
}

// appendRepeatRows walks the repeats reachable from container, emitting one
// row per instance and recursing so nested repeats key off their enclosing
// instance. Rows land in document order, grouped per submission.
func appendRepeatRows(container *model.Node, containerEl xml.Element, containerKey string, sub *Submission, opt mapperOptions, out map[string][]string) error {
	for _, rep := range container.DirectRepeats() {
		path := rep.PathFrom(container)
		for i, inst := range containerEl.FindAll(path) {
			childKey := fmt.Sprintf("%s/%s[%d]", containerKey, rep.Name, i+1)
			cells := []string{
				csvCell(containerKey, false),
				csvCell(childKey, false),
				csvCell(containerKey+"/"+rep.Name, false),
			}
			fieldCells, err := rowCells(model.FlattenColumns(rep), inst, childKey, sub, opt)
			if err != nil {
				return err
			}
			cells = append(cells, fieldCells...)
			out[rep.FQN()] = append(out[rep.FQN()], strings.Join(cells, ",")+"\n")

			if err := appendRepeatRows(rep, inst, childKey, sub, opt, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// rowCells renders the value cells for one flattened column list against the
// element the columns are relative to.
func rowCells(cols []model.ColumnSpec, container xml.Element, containerKey string, sub *Submission, opt mapperOptions) ([]string, error) {
	cells := make([]string, 0, len(cols))
	for _, col := range cols {
		if col.SetOf {
			if len(container.FindAll(col.Path)) > 0 {
				cells = append(cells, csvCell(containerKey+"/"+col.Field.Name, false))
			} else {
				cells = append(cells, "")
			}
			continue
		}

		el, ok := container.FindPath(col.Path)
		raw := ""
		if ok {
			raw = el.Value()
		}
		if col.Geo >= 0 {
			cells = append(cells, geoComponent(raw, col.Geo))
			continue
		}
		cell, err := formatField(col.Field, raw, sub, opt)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

// geoComponent picks one space-separated geopoint component; absent altitude
// or accuracy come out empty.
func geoComponent(raw string, component int) string {
	if raw == "" {
		return ""
	}
	parts := strings.Fields(raw)
	if component >= len(parts) {
		return ""
	}
	return csvCell(parts[component], false)
}

func formatField(field *model.Node, raw string, sub *Submission, opt mapperOptions) (string, error) {
	if raw == "" {
		return "", nil
	}
	switch field.Type {
	case model.TypeInt, model.TypeDecimal:
		return csvCell(raw, false), nil

	case model.TypeBoolean:
		return formatBoolCell(isTruthy(raw)), nil

	case model.TypeDate:
		return csvCell(reformatTemporal(raw, dateLayouts, "2006-01-02"), false), nil

	case model.TypeTime:
		return csvCell(reformatTemporal(raw, timeLayouts, "15:04:05.000"), false), nil

	case model.TypeDateTime:
		return csvCell(reformatTemporal(raw, dateTimeLayouts, "2006-01-02T15:04:05.000Z07:00"), false), nil

	case model.TypeBinary:
		name := raw
		if opt.Media != nil {
			copied, err := opt.Media.copy(sub.WorkingDir, raw)
			if err != nil {
				return "", err
			}
			name = copied
		}
		return csvCell(name, true), nil

	default:
		return csvCell(raw, true), nil
	}
}

func isTruthy(raw string) bool {
	switch strings.ToLower(raw) {
	case "true", "1":
		return true
	}
	return false
}

func formatBoolCell(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

var (
	dateLayouts = []string{
		"2006-01-02",
		"2006-01-02Z07:00",
	}
	timeLayouts = []string{
		"15:04:05.000",
		"15:04:05",
		"15:04:05.000Z07:00",
		"15:04:05Z07:00",
	}
	dateTimeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
	}
)

// reformatTemporal normalizes a temporal value to the output layout; values
// that do not parse pass through unchanged.
func reformatTemporal(raw string, layouts []string, outLayout string) string {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(outLayout)
		}
	}
	return raw
}

func formatDateTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000Z07:00")
}

// copy copies one referenced media file from the submission's working
// directory into the media directory and returns the file name actually
// written.
func (m *mediaCopier) copy(srcDir, name string) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	src := filepath.Join(srcDir, name)
	final := m.claim(name)

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open media %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(filepath.Join(m.dir, final))
	if err != nil {
		return "", fmt.Errorf("create media copy: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("copy media %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close media copy: %w", err)
	}
	return final, nil
}

// csvCell renders one cell. Empty values stay empty; quoting is forced for
// free-text types and applied on demand when the value would break the row
// shape. Embedded quotes double, newlines survive inside the quotes.
func csvCell(s string, forceQuote bool) string {
	if s == "" {
		return ""
	}
	if !forceQuote && !strings.ContainsAny(s, "\",\n\r") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
