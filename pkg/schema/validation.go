package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity tells blocking issues apart from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a definition by its field path.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found while checking a workflow.
// Only errors make a definition unusable.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.add(SeverityError, path, code, message)
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(SeverityWarning, path, code, message)
}

func (r *ValidationResult) add(sev ValidationSeverity, path, code, message string) {
	issue := ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
	if sev == SeverityError {
		r.Errors = append(r.Errors, issue)
		return
	}
	r.Warnings = append(r.Warnings, issue)
}

// Merge appends other's issues; a nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid result. Otherwise it returns a
// VALIDATION_ERROR joining the error messages, with the issues in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].Message
	if n := len(r.Errors); n > 1 {
		parts := make([]string, n)
		for i, issue := range r.Errors {
			parts[i] = issue.Message
		}
		msg = fmt.Sprintf("%d validation errors: %s", n, strings.Join(parts, "; "))
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
