// Package config defines the export configuration consumed by the pipeline
// and the validation surface the CLI uses before running it.
package config

import (
	"crypto/rsa"
	"path/filepath"
	"time"
)

// ExportConfiguration carries every knob the export pipeline honours.
//
// Pointer fields distinguish "not set" from a zero value so defaults can be
// resolved at read time instead of forcing every caller to pre-populate them.
type ExportConfiguration struct {
	// ExportDir is the destination directory for CSV files (required).
	ExportDir string

	// OverwriteExistingFiles controls the open policy for target CSVs.
	// nil means true: truncate and write a fresh header. When explicitly
	// false, rows are appended to an existing file without a header; a file
	// that does not exist yet is created with a header.
	OverwriteExistingFiles *bool

	// DateRange filters submissions by submission date. The zero value
	// admits everything.
	DateRange DateRange

	// PrivateKey decrypts submissions of encrypted forms. Required when the
	// form is encrypted; ignored otherwise.
	PrivateKey *rsa.PrivateKey

	// ExportMedia copies referenced media files under ExportMediaPath.
	ExportMedia bool

	// ExportMediaPath is where media files land. Empty means
	// <ExportDir>/media.
	ExportMediaPath string

	// Unsupported behavioural flags. They are accepted so stored
	// configurations keep parsing, but validation reports a warning and the
	// export runs without them.
	IncludeGeoJSON       bool
	SplitSelectMultiples bool
	RemoveGroupNames     bool
}

// Overwrite resolves the overwrite policy, defaulting to true.
func (c ExportConfiguration) Overwrite() bool {
	if c.OverwriteExistingFiles == nil {
		return true
	}
	return *c.OverwriteExistingFiles
}

// MediaPath resolves the media destination, defaulting to <ExportDir>/media.
func (c ExportConfiguration) MediaPath() string {
	if c.ExportMediaPath != "" {
		return c.ExportMediaPath
	}
	return filepath.Join(c.ExportDir, "media")
}

// DateRange is an inclusive range over submission dates. A nil bound is open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether t falls inside the range. Submissions without a
// date sort as negative infinity: they pass only when there is no lower bound.
func (r DateRange) Contains(t time.Time, hasDate bool) bool {
	if !hasDate {
		return r.Start == nil
	}
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// IsEmpty reports whether the range admits all submissions.
func (r DateRange) IsEmpty() bool {
	return r.Start == nil && r.End == nil
}
