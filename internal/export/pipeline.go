package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"formexport/internal/config"
	"formexport/internal/form"
	"formexport/internal/metrics"
	"formexport/internal/store"
)

// Logger is the minimal logging interface used by the pipeline.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Pipeline exports one form's submissions into CSV files. The zero value is
// usable; optional collaborators default to no-ops.
type Pipeline struct {
	Logger  Logger
	Sink    EventSink
	Metrics metrics.Backend

	// Workers bounds the parse+decrypt+map stage. Writes are always
	// serialized in submission-date order regardless of this setting.
	// Values below 1 mean single-threaded.
	Workers int
}

// job and result carry per-submission work through the pool. seq preserves
// the date-sorted order across parallel workers.
type job struct {
	seq  int
	path string
}

type result struct {
	seq     int
	main    string
	repeats map[string][]string
	skip    bool
	reason  string
}

// Export runs the full pass for one form and returns the aggregate outcome.
//
// Per-submission failures are skips; configuration problems and write
// failures abort the export with an error. Writers are closed and temporary
// working directories removed on every exit path.
func (p *Pipeline) Export(ctx context.Context, def *form.Definition, cfg config.ExportConfiguration) (Outcome, error) {
	logf := p.logger()
	sink := p.sink()
	mb := p.metrics()
	start := time.Now()

	issues := config.ValidateExport(cfg, def.IsEncrypted)
	for _, iss := range issues {
		logf("config issue: %s", iss)
	}
	if config.HasErrors(issues) {
		sink.Publish(ExportFailed{FormID: def.FormID, Reason: "invalid export configuration"})
		return "", errors.New("invalid export configuration")
	}

	total := len(store.ListInstances(def.FormDir))
	track := newTracker(def.FormID, total, sink)
	track.start()

	if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		sink.Publish(ExportFailed{FormID: def.FormID, Reason: err.Error()})
		return "", fmt.Errorf("create export dir: %w", err)
	}

	writers, err := openWriters(def, cfg)
	if err != nil {
		sink.Publish(ExportFailed{FormID: def.FormID, Reason: err.Error()})
		return "", err
	}
	defer writers.closeAll()

	cache := newDocCache()
	paths, excluded := orderedSubmissionPaths(def.FormDir, cfg.DateRange, cache)
	track.skipN(excluded)
	logf("stage=enumerate instances=%d selected=%d date_excluded=%d", total, len(paths), excluded)

	opt := mapperOptions{}
	if cfg.ExportMedia {
		opt.Media = newMediaCopier(cfg.MediaPath())
	}

	if err := p.runSubmissions(ctx, def, cfg, paths, cache, opt, writers, track, logf); err != nil {
		sink.Publish(ExportFailed{FormID: def.FormID, Reason: err.Error()})
		return "", err
	}

	if err := writers.closeAll(); err != nil {
		sink.Publish(ExportFailed{FormID: def.FormID, Reason: err.Error()})
		return "", err
	}

	outcome := track.end()
	mb.IncCounter(metrics.MetricSubmissionsTotal, float64(track.exported), metrics.Labels{"form": def.FormID, "status": "exported"})
	mb.IncCounter(metrics.MetricSubmissionsTotal, float64(track.skipped), metrics.Labels{"form": def.FormID, "status": "skipped"})
	mb.IncCounter(metrics.MetricRowsTotal, float64(writers.mainRows), metrics.Labels{"form": def.FormID, "file": "main"})
	mb.IncCounter(metrics.MetricRowsTotal, float64(writers.repeatRows), metrics.Labels{"form": def.FormID, "file": "repeat"})
	mb.ObserveHistogram(metrics.MetricDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"form": def.FormID})
	logf("stage=done outcome=%s exported=%d skipped=%d total=%d duration=%s",
		outcome, track.exported, track.skipped, total, time.Since(start).Truncate(time.Millisecond))
	return outcome, nil
}

// runSubmissions drives the bounded worker pool and the ordered writer drain.
//
// Workers own parse+decrypt+map; the drain owns every writer and the tracker.
// Results are applied strictly in ascending seq, so output order equals the
// date-sorted enumeration order even with parallel workers.
func (p *Pipeline) runSubmissions(
	ctx context.Context,
	def *form.Definition,
	cfg config.ExportConfiguration,
	paths []string,
	cache *docCache,
	opt mapperOptions,
	writers *writerSet,
	track *tracker,
	logf func(format string, v ...any),
) error {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
			// First error wins.
		}
	}

	jobCh := make(chan job, workers)
	resCh := make(chan result, workers*2)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobCh {
				// The drain consumes until resCh closes, so this send never
				// blocks forever and in-flight results are not dropped.
				resCh <- p.processOne(j, def, cfg, cache, opt, logf)
			}
		}()
	}

	// Producer: stop enqueuing on cancellation; in-flight work drains below.
	// The non-blocking check runs first so an already-cancelled context
	// enqueues nothing.
	go func() {
		defer close(jobCh)
		for seq, path := range paths {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case jobCh <- job{seq: seq, path: path}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resCh)
	}()

	// Drain: apply results in ascending seq. After a write failure the loop
	// keeps consuming so the workers can unwind, but applies nothing more.
	pending := make(map[int]result)
	next := 0
	failed := false
	for res := range resCh {
		if failed {
			continue
		}
		pending[res.seq] = res
		for !failed {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++

			if r.skip {
				logf("skip %s: %s", paths[r.seq], r.reason)
				track.incSkipped()
				continue
			}
			if err := writers.writeSubmission(def, r); err != nil {
				setErr(fmt.Errorf("write rows: %w", err))
				failed = true
			} else {
				track.incExported()
			}
		}
	}

	select {
	case err := <-errCh:
		return err
	default:
	}
	// External cancellation stops enqueuing; what was written stays valid
	// and the outcome reflects progress so far.
	return nil
}

// processOne maps a single submission to its output lines. All skip
// conditions collapse into a skip result; only writer failures are fatal.
func (p *Pipeline) processOne(j job, def *form.Definition, cfg config.ExportConfiguration, cache *docCache, opt mapperOptions, logf func(format string, v ...any)) result {
	sub, err := parseSubmission(j.path, def.IsEncrypted, cfg.PrivateKey, cache, def.FormID, def.FormVersion)
	if err != nil {
		return result{seq: j.seq, skip: true, reason: err.Error()}
	}
	defer sub.Release()

	if sub.Validation == NotValid {
		logf("signature mismatch for %s, exporting row as not validated", j.path)
	}

	main, repeats, err := collectRows(sub, def.Model, def.IsEncrypted, opt)
	if err != nil {
		return result{seq: j.seq, skip: true, reason: err.Error()}
	}
	return result{seq: j.seq, main: main, repeats: repeats}
}

func (p *Pipeline) logger() func(format string, v ...any) {
	if p.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return p.Logger.Printf
}

func (p *Pipeline) sink() EventSink {
	if p.Sink == nil {
		return NopSink{}
	}
	return p.Sink
}

func (p *Pipeline) metrics() metrics.Backend {
	if p.Metrics == nil {
		return metrics.Nop{}
	}
	return p.Metrics
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }

// writerSet owns the main writer plus one writer per repeat group, keyed by
// repeat FQN.
type writerSet struct {
	main    *csvWriter
	repeats map[string]*csvWriter

	mainRows   int
	repeatRows int

	closeOnce sync.Once
	closeErr  error
}

func openWriters(def *form.Definition, cfg config.ExportConfiguration) (*writerSet, error) {
	safeName := safeFormName(def.FormName)
	overwrite := cfg.Overwrite()

	ws := &writerSet{repeats: make(map[string]*csvWriter)}
	for _, rep := range def.Model.RepeatableFields() {
		w, err := openCSVWriter(
			filepath.Join(cfg.ExportDir, safeName+"-"+rep.Name+".csv"),
			overwrite,
			repeatHeader(rep),
		)
		if err != nil {
			ws.closeAll()
			return nil, err
		}
		ws.repeats[rep.FQN()] = w
	}

	main, err := openCSVWriter(
		filepath.Join(cfg.ExportDir, safeName+".csv"),
		overwrite,
		mainHeader(def.Model, def.IsEncrypted),
	)
	if err != nil {
		ws.closeAll()
		return nil, err
	}
	ws.main = main
	return ws, nil
}

// writeSubmission appends the repeat rows first, then the main row, matching
// the original write order. Repeat files are visited in RepeatableFields
// pre-order, so a nested repeat's parent rows land before its own rows; the
// main row, which is the parent of depth-one repeat rows, lands after them.
func (ws *writerSet) writeSubmission(def *form.Definition, r result) error {
	for _, rep := range def.Model.RepeatableFields() {
		w := ws.repeats[rep.FQN()]
		for _, line := range r.repeats[rep.FQN()] {
			if err := w.append(line); err != nil {
				return err
			}
			ws.repeatRows++
		}
	}
	if err := ws.main.append(r.main); err != nil {
		return err
	}
	ws.mainRows++
	return nil
}

func (ws *writerSet) closeAll() error {
	ws.closeOnce.Do(func() {
		for _, w := range ws.repeats {
			if err := w.close(); err != nil && ws.closeErr == nil {
				ws.closeErr = err
			}
		}
		if ws.main != nil {
			if err := ws.main.close(); err != nil && ws.closeErr == nil {
				ws.closeErr = err
			}
		}
	})
	return ws.closeErr
}

// csvWriter is one buffered output file with per-writer mutual exclusion.
type csvWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// openCSVWriter opens path per the overwrite policy: truncate and write the
// header, or append with no header when the file exists and overwrite is off.
func openCSVWriter(path string, overwrite bool, header string) (*csvWriter, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open %s for append: %w", path, err)
			}
			return &csvWriter{f: f, w: bufio.NewWriter(f)}, nil
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	cw := &csvWriter{f: f, w: bufio.NewWriter(f)}
	if err := cw.append(header); err != nil {
		cw.close()
		return nil, err
	}
	return cw, nil
}

func (w *csvWriter) append(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.WriteString(line)
	return err
}

func (w *csvWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	ferr := w.w.Flush()
	cerr := w.f.Close()
	w.f = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}

// safeFormName replaces characters outside [A-Za-z0-9._-] with underscores
// so form names make portable file names.
func safeFormName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
