package engine

import (
	"errors"
	"regexp"
	"strings"
)

// ErrClosed is returned after the engine has been closed.
var ErrClosed = errors.New("engine closed")

// InitializationError means the interpreter or database failed to start.
// It is sticky until the engine is reset.
type InitializationError struct {
	Component string
	Err       error
}

func (e *InitializationError) Error() string {
	return "failed to initialize " + e.Component + ": " + e.Err.Error()
}

func (e *InitializationError) Unwrap() error { return e.Err }

// EngineError is a query the database rejected. Message holds only the
// database's own diagnostic line.
type EngineError struct {
	Message string
	Err     error
}

func (e *EngineError) Error() string { return e.Message }

func (e *EngineError) Unwrap() error { return e.Err }

// resultCodePrefixes are the generic sqlite3_errstr texts that precede the
// specific message.
var resultCodePrefixes = []string{
	"SQL logic error",
	"constraint failed",
	"datatype mismatch",
	"database is locked",
	"database table is locked",
	"attempt to write a readonly database",
	"disk I/O error",
	"unable to open database file",
	"bad parameter or other API misuse",
	"not authorized",
	"too many arguments on function",
	"interrupted",
	"out of memory",
}

var parseErrorPos = regexp.MustCompile(`^(?:Parse error|Runtime error)(?: near line \d+)?:\s*`)

// trimEngineMessage reduces a possibly wrapped, multi-line database error to
// its last diagnostic line. Echoed statement text and caret markers that
// follow a parse error are skipped.
func trimEngineMessage(msg string) string {
	line := diagnosticLine(strings.Split(strings.TrimSpace(msg), "\n"))
	for {
		before := line
		line = strings.TrimPrefix(line, "sqlite3: ")
		line = parseErrorPos.ReplaceAllString(line, "")
		for _, p := range resultCodePrefixes {
			if strings.HasPrefix(line, p+": ") {
				line = strings.TrimPrefix(line, p+": ")
			}
		}
		if line == before {
			break
		}
	}
	return line
}

// diagnosticLine picks the last line carrying an engine prefix, else the
// last unindented line with a "label: detail" shape, else the last
// non-blank line.
func diagnosticLine(lines []string) string {
	var labelled, last string
	for i := len(lines) - 1; i >= 0; i-- {
		raw := strings.TrimRight(lines[i], " \t\r")
		l := strings.TrimSpace(raw)
		if l == "" || strings.Trim(l, "^ ") == "" {
			continue
		}
		if hasEnginePrefix(l) {
			return l
		}
		if last == "" {
			last = l
		}
		echoed := raw != strings.TrimLeft(raw, " \t")
		if labelled == "" && !echoed && strings.Contains(l, ": ") {
			labelled = l
		}
	}
	if labelled != "" {
		return labelled
	}
	return last
}

func hasEnginePrefix(l string) bool {
	if strings.HasPrefix(l, "sqlite3: ") || parseErrorPos.MatchString(l) {
		return true
	}
	for _, p := range resultCodePrefixes {
		if strings.HasPrefix(l, p+": ") {
			return true
		}
	}
	return false
}

// newEngineError wraps a database error with its trimmed message.
func newEngineError(err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return &EngineError{Message: trimEngineMessage(err.Error()), Err: err}
}

// trimScriptError keeps the "Name: message" line of an interpreter
// exception and drops the stack.
func trimScriptError(err error) string {
	msg := strings.TrimSpace(err.Error())
	if i := strings.Index(msg, "\n"); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	return msg
}
