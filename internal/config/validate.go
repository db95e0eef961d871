package config

import (
	"fmt"
	"os"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding. Path addresses the offending field
// using a dotted lowercase form so CLI output stays grep-able.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ValidateExport checks an ExportConfiguration before a run.
//
// Errors abort the export; warnings are reported and the run proceeds.
func ValidateExport(cfg ExportConfiguration, formEncrypted bool) []Issue {
	var issues []Issue

	if cfg.ExportDir == "" {
		issues = append(issues, Issue{SeverityError, "export_dir", "export directory is required"})
	} else if fi, err := os.Stat(cfg.ExportDir); err == nil && !fi.IsDir() {
		issues = append(issues, Issue{SeverityError, "export_dir", "not a directory"})
	}

	if formEncrypted && cfg.PrivateKey == nil {
		issues = append(issues, Issue{SeverityError, "private_key", "form is encrypted and no private key was given"})
	}

	if s, e := cfg.DateRange.Start, cfg.DateRange.End; s != nil && e != nil && e.Before(*s) {
		issues = append(issues, Issue{SeverityError, "date_range", "end precedes start"})
	}

	for _, f := range []struct {
		set  bool
		path string
	}{
		{cfg.IncludeGeoJSON, "include_geojson"},
		{cfg.SplitSelectMultiples, "split_select_multiples"},
		{cfg.RemoveGroupNames, "remove_group_names"},
	} {
		if f.set {
			issues = append(issues, Issue{SeverityWarning, f.path, "option is not supported and will be ignored"})
		}
	}

	return issues
}

// HasErrors reports whether any issue is error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
