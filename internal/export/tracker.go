package export

import "time"

// Outcome is the aggregate verdict over all attempted submissions.
type Outcome string

const (
	AllExported Outcome = "ALL_EXPORTED"
	SomeSkipped Outcome = "SOME_SKIPPED"
	AllSkipped  Outcome = "ALL_SKIPPED"
)

// Progress publication thresholds: report every N submissions or after M
// elapsed, whichever comes first.
const (
	progressEvery    = 100
	progressInterval = 2 * time.Second
)

// tracker counts per-form progress and publishes throttled progress events.
// It is touched by the single writer stage only, so it needs no locking.
type tracker struct {
	formID   string
	total    int
	exported int
	skipped  int

	sink         EventSink
	lastPublish  time.Time
	sincePublish int
	now          func() time.Time // test seam
}

func newTracker(formID string, total int, sink EventSink) *tracker {
	return &tracker{formID: formID, total: total, sink: sink, now: time.Now}
}

func (t *tracker) start() {
	t.lastPublish = t.now()
	t.sink.Publish(ExportStarted{FormID: t.formID, Total: t.total})
}

func (t *tracker) incExported() {
	t.exported++
	t.maybePublish()
}

func (t *tracker) incSkipped() {
	t.skipped++
	t.maybePublish()
}

// skipN counts submissions that never enter the pipeline (date-range
// exclusions) so exported+skipped still reconciles with the total.
func (t *tracker) skipN(n int) {
	if n <= 0 {
		return
	}
	t.skipped += n
	t.maybePublish()
}

func (t *tracker) maybePublish() {
	t.sincePublish++
	if t.sincePublish < progressEvery && t.now().Sub(t.lastPublish) < progressInterval {
		return
	}
	t.sincePublish = 0
	t.lastPublish = t.now()
	t.sink.Publish(ExportProgress{FormID: t.formID, Exported: t.exported, Total: t.total})
}

// end publishes the terminal event matching the computed outcome.
func (t *tracker) end() Outcome {
	outcome := t.computeOutcome()
	switch outcome {
	case AllExported:
		t.sink.Publish(ExportSucceeded{FormID: t.formID, Total: t.total})
	case SomeSkipped:
		t.sink.Publish(ExportPartiallySucceeded{FormID: t.formID, Exported: t.exported, Total: t.total})
	case AllSkipped:
		t.sink.Publish(ExportFailed{FormID: t.formID, Reason: "all submissions have been skipped"})
	}
	return outcome
}

// computeOutcome: exporting nothing because there was nothing is a success.
func (t *tracker) computeOutcome() Outcome {
	switch {
	case t.total == 0:
		return AllExported
	case t.exported == 0:
		return AllSkipped
	case t.skipped == 0:
		return AllExported
	default:
		return SomeSkipped
	}
}
