// Command export materializes a form's collected submissions into CSV files:
// one main file plus one file per repeat group, with optional decryption and
// media export.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"formexport/internal/config"
	"formexport/internal/export"
	"formexport/internal/form"
	"formexport/internal/metrics"
	"formexport/internal/metrics/datadog"
)

func main() {
	var (
		cfgPath        string
		formPath       string
		exportDir      string
		startDate      string
		endDate        string
		keyPath        string
		mediaDir       string
		metricsBackend string
	)

	flag.StringVar(&cfgPath, "config", "", "optional config file (yaml); flags override file values")
	flag.StringVar(&formPath, "form", "", "path to the form definition XML")
	flag.StringVar(&exportDir, "export-dir", "", "destination directory for CSV files")
	flag.StringVar(&startDate, "start", "", "inclusive lower submission date bound (yyyy-mm-dd)")
	flag.StringVar(&endDate, "end", "", "inclusive upper submission date bound (yyyy-mm-dd)")
	flag.StringVar(&keyPath, "pem", "", "PEM RSA private key for encrypted forms")
	flag.StringVar(&mediaDir, "media-dir", "", "media destination (default <export-dir>/media)")
	flag.StringVar(&metricsBackend, "metrics-backend", "none", "metrics backend to use (datadog, none)")
	appendMode := flag.Bool("append", false, "append to existing CSVs instead of overwriting")
	media := flag.Bool("media", false, "copy referenced media files")
	workers := flag.Int("workers", 1, "parallel submission workers (writes stay ordered)")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()
	sugar := logger.Sugar()

	v := viper.New()
	v.SetEnvPrefix("FORMEXPORT")
	v.AutomaticEnv()
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			sugar.Fatalf("read config: %v", err)
		}
	}
	pick := func(flagVal, key string) string {
		if flagVal != "" {
			return flagVal
		}
		return v.GetString(key)
	}
	formPath = pick(formPath, "form")
	exportDir = pick(exportDir, "export_dir")
	startDate = pick(startDate, "start")
	endDate = pick(endDate, "end")
	keyPath = pick(keyPath, "pem")
	mediaDir = pick(mediaDir, "media_dir")

	if formPath == "" || exportDir == "" {
		fmt.Fprintln(os.Stderr, "usage: export -form <form.xml> -export-dir <dir> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	def, err := form.Load(formPath)
	if err != nil {
		sugar.Fatalf("load form: %v", err)
	}

	overwrite := !*appendMode
	cfg := config.ExportConfiguration{
		ExportDir:              exportDir,
		OverwriteExistingFiles: &overwrite,
		ExportMedia:            *media || v.GetBool("media"),
		ExportMediaPath:        mediaDir,
	}
	if cfg.DateRange, err = parseDateRange(startDate, endDate); err != nil {
		sugar.Fatalf("date range: %v", err)
	}
	if keyPath != "" {
		key, err := loadPrivateKey(keyPath)
		if err != nil {
			sugar.Fatalf("private key: %v", err)
		}
		cfg.PrivateKey = key
	}

	backend, err := newMetricsBackend(metricsBackend)
	if err != nil {
		sugar.Fatalf("metrics backend: %v", err)
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := &export.Pipeline{
		Logger:  sugarPrintf{sugar},
		Sink:    logSink{sugar},
		Metrics: backend,
		Workers: *workers,
	}

	outcome, err := pipeline.Export(ctx, def, cfg)
	if err != nil {
		sugar.Fatalf("export failed: %v", err)
	}
	sugar.Infof("outcome=%s form=%s", outcome, def.FormID)
	if outcome == export.AllSkipped {
		os.Exit(1)
	}
}

// newLogger builds a console zap logger; verbose enables debug level.
func newLogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)
	return zap.New(core)
}

// sugarPrintf adapts a zap sugared logger to the pipeline's Printf seam.
type sugarPrintf struct{ l *zap.SugaredLogger }

func (s sugarPrintf) Printf(format string, v ...any) { s.l.Infof(format, v...) }

// logSink reports pipeline events through the logger.
type logSink struct{ l *zap.SugaredLogger }

func (s logSink) Publish(e export.Event) {
	switch ev := e.(type) {
	case export.ExportStarted:
		s.l.Infow("export started", "form", ev.FormID, "total", ev.Total)
	case export.ExportProgress:
		s.l.Infow("export progress", "form", ev.FormID, "exported", ev.Exported, "total", ev.Total)
	case export.ExportSucceeded:
		s.l.Infow("export succeeded", "form", ev.FormID, "total", ev.Total)
	case export.ExportPartiallySucceeded:
		s.l.Warnw("export partially succeeded", "form", ev.FormID, "exported", ev.Exported, "total", ev.Total)
	case export.ExportFailed:
		s.l.Errorw("export failed", "form", ev.FormID, "reason", ev.Reason)
	}
}

func newMetricsBackend(name string) (metrics.Backend, error) {
	switch name {
	case "", "none":
		return metrics.Nop{}, nil
	case "datadog":
		return datadog.NewBackend(context.Background(), datadog.Options{JobName: "formexport"})
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func parseDateRange(start, end string) (config.DateRange, error) {
	var r config.DateRange
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return r, fmt.Errorf("parse start %q: %w", start, err)
		}
		r.Start = &t
	}
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return r, fmt.Errorf("parse end %q: %w", end, err)
		}
		// Inclusive upper bound: admit anything on the end day.
		t = t.Add(24*time.Hour - time.Nanosecond)
		r.End = &t
	}
	return r, nil
}

// loadPrivateKey reads a PKCS1 or PKCS8 PEM RSA private key.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA private key", path)
	}
	return key, nil
}
