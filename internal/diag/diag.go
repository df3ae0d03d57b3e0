// Package diag collects diagnostics produced while analyzing and
// instrumenting routines.
package diag

import (
	"fmt"
	"sort"
)

// Severity captures how impactful the diagnostic is.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityNote
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityNote:
		return "note"
	default:
		return "unknown"
	}
}

// Code is a stable identifier for a diagnostic.
type Code string

const (
	CodePathCycleDetected  Code = "PATH_CYCLE_DETECTED"
	CodePathBudgetExceeded Code = "PATH_BUDGET_EXCEEDED"
	CodeCallNoLocalReturn  Code = "CALL_NO_LOCAL_RETURN"
	CodeStaleMarkers       Code = "STALE_MARKERS_REMOVED"
	CodeMarkersInserted    Code = "MARKERS_INSERTED"
	CodeIrreducibleCFG     Code = "IRREDUCIBLE_CFG"
)

// Diagnostic represents a single message about a routine.
type Diagnostic struct {
	Code     Code
	Severity Severity
	Function string
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: [%s] %s", d.Function, d.Severity, d.Code, d.Message)
}

// Reporter collects diagnostics during analysis.
type Reporter struct {
	diagnostics []Diagnostic
}

// NewReporter creates a new diagnostic reporter.
func NewReporter() *Reporter {
	return &Reporter{}
}

// Report records a diagnostic.
func (r *Reporter) Report(code Code, severity Severity, fn, format string, args ...interface{}) {
	if r == nil {
		return
	}
	r.diagnostics = append(r.diagnostics, Diagnostic{
		Code:     code,
		Severity: severity,
		Function: fn,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Errorf records an error-severity diagnostic.
func (r *Reporter) Errorf(code Code, fn, format string, args ...interface{}) {
	r.Report(code, SeverityError, fn, format, args...)
}

// Warnf records a warning-severity diagnostic.
func (r *Reporter) Warnf(code Code, fn, format string, args ...interface{}) {
	r.Report(code, SeverityWarning, fn, format, args...)
}

// Notef records a note-severity diagnostic.
func (r *Reporter) Notef(code Code, fn, format string, args ...interface{}) {
	r.Report(code, SeverityNote, fn, format, args...)
}

// Diagnostics returns the collected diagnostics, sorted by function name
// then severity, preserving report order within a group.
func (r *Reporter) Diagnostics() []Diagnostic {
	if r == nil {
		return nil
	}
	out := make([]Diagnostic, len(r.diagnostics))
	copy(out, r.diagnostics)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].Severity < out[j].Severity
	})
	return out
}

// HasErrors reports whether any error-severity diagnostic was recorded.
func (r *Reporter) HasErrors() bool {
	if r == nil {
		return false
	}
	for _, d := range r.diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
