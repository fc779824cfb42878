package skills

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind classifies runtime failures
type ErrorKind string

// Error kinds reported by the runtime
const (
	KindManifestMissing        ErrorKind = "ManifestMissing"
	KindModuleLoadError        ErrorKind = "ModuleLoadError"
	KindSyntaxInvalid          ErrorKind = "SyntaxInvalid"
	KindSkillNotFound          ErrorKind = "SkillNotFound"
	KindCommandNotFound        ErrorKind = "CommandNotFound"
	KindCommandExecutionFailed ErrorKind = "CommandExecutionFailed"
)

// Error is a structured runtime error returned to callers instead of a crash
type Error struct {
	Kind      ErrorKind
	Skill     string
	Command   string
	Message   string
	Available []string
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	switch {
	case e.Skill != "" && e.Command != "":
		fmt.Fprintf(&sb, " [%s.%s]", e.Skill, e.Command)
	case e.Skill != "":
		fmt.Fprintf(&sb, " [%s]", e.Skill)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if len(e.Available) > 0 {
		fmt.Fprintf(&sb, " (available: %s)", strings.Join(e.Available, ", "))
	}
	return sb.String()
}

// Unwrap exposes the underlying error to errors.Is/As
func (e *Error) Unwrap() error { return e.Err }

// Cause exposes the underlying error to errors.Cause
func (e *Error) Cause() error { return e.Err }

func newError(kind ErrorKind, skill, message string, err error) *Error {
	return &Error{Kind: kind, Skill: skill, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ScriptError is raised by a command body. Kind is the exception kind that
// retry_on hints are matched against.
type ScriptError struct {
	Kind    string
	Message string
}

func (e *ScriptError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func failureKind(err error) string {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
