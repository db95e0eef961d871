package export

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"formexport/internal/config"
	"formexport/internal/parser/xml"
	"formexport/internal/store"
)

// docCacheCap bounds the parse cache. Entries beyond the cap evict the oldest
// insertion; a miss just re-parses, so eviction is always harmless.
const docCacheCap = 4096

// docCache associates submission paths with documents parsed during the
// date-read phase so the full parse can reuse them. Safe for concurrent use.
type docCache struct {
	mu    sync.Mutex
	docs  map[string]xml.Element
	order []string
}

func newDocCache() *docCache {
	return &docCache{docs: make(map[string]xml.Element)}
}

func (c *docCache) get(path string) (xml.Element, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.docs[path]
	if ok {
		// Consumed at most once per path; dropping the entry keeps the
		// cache from pinning every document for the whole run.
		delete(c.docs, path)
	}
	return el, ok
}

func (c *docCache) put(path string, el xml.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.docs[path]; !exists {
		c.order = append(c.order, path)
	}
	c.docs[path] = el
	for len(c.docs) > docCacheCap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.docs, oldest)
	}
}

// datedPath pairs a submission path with its briefly-parsed date.
type datedPath struct {
	path    string
	date    time.Time
	hasDate bool
}

// orderedSubmissionPaths enumerates instance dirs, filters by the date range
// and returns submission.xml paths sorted ascending by submission date, ties
// broken by path. Submissions without a date sort first. The second return
// is the number of submissions the range excluded; the tracker counts them
// as skipped so exported+skipped always reconciles with the total.
func orderedSubmissionPaths(formDir string, dateRange config.DateRange, cache *docCache) ([]string, int) {
	instances := store.ListInstances(formDir)
	dated := make([]datedPath, 0, len(instances))
	excluded := 0
	for _, dir := range instances {
		p := filepath.Join(dir, store.SubmissionFile)
		date, hasDate := readSubmissionDate(p, cache)
		if !dateRange.Contains(date, hasDate) {
			excluded++
			continue
		}
		dated = append(dated, datedPath{path: p, date: date, hasDate: hasDate})
	}

	sort.SliceStable(dated, func(i, j int) bool {
		a, b := dated[i], dated[j]
		if a.hasDate != b.hasDate {
			return !a.hasDate
		}
		if a.hasDate && !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		return a.path < b.path
	})

	out := make([]string, len(dated))
	for i, d := range dated {
		out[i] = d.path
	}
	return out, excluded
}
