package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Stage identifies which side of a tool call a guardrail rejected.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// Security rejection reasons.
const (
	ReasonContentSafety = "content_safety"
	ReasonRateLimit     = "rate_limit"
)

var (
	// ErrTurnLimitExceeded matches any *TurnLimitError via errors.Is.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	// ErrUnknownTool is wrapped when the model calls a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownAgent is returned when a run names an agent that is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
)

// ValidationError reports a recoverable shape violation in tool input or output.
type ValidationError struct {
	Stage     Stage
	Validator string
	Path      string // JSON path of the offending value, empty when not applicable
	Message   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Stage != "" {
		b.WriteString(" (" + string(e.Stage) + ")")
	}
	if e.Path != "" {
		b.WriteString(" at " + e.Path)
	}
	b.WriteString(": " + e.Message)
	return b.String()
}

// SecurityError reports a content-safety or rate-limit rejection.
type SecurityError struct {
	Stage     Stage
	Validator string
	Reason    string // ReasonContentSafety or ReasonRateLimit
	Message   string
}

func (e *SecurityError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("security violation (%s, %s): %s", e.Stage, e.Reason, e.Message)
	}
	return fmt.Sprintf("security violation (%s): %s", e.Reason, e.Message)
}

// ToolExecutionError wraps any failure of a single tool dispatch.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// TurnLimitError is returned when an agent exhausts its turn budget, or when
// a run reaches the cap set by WithMaxTotalTurns (Total is then true).
type TurnLimitError struct {
	Agent    string
	MaxTurns int
	Total    bool
}

func (e *TurnLimitError) Error() string {
	if e.Total {
		return fmt.Sprintf("run turn limit exceeded after %d turns (agent %q active)", e.MaxTurns, e.Agent)
	}
	return fmt.Sprintf("agent %q: turn limit exceeded after %d turns", e.Agent, e.MaxTurns)
}

func (e *TurnLimitError) Is(target error) bool { return target == ErrTurnLimitExceeded }

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, zero if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsInputRejected reports whether err is a guardrail rejection of tool input.
// Rate-limit rejections are excluded; see IsRateLimited.
func IsInputRejected(err error) bool {
	return rejectedAt(err, StageInput)
}

// IsOutputRejected reports whether err is a guardrail rejection of tool output.
func IsOutputRejected(err error) bool {
	return rejectedAt(err, StageOutput)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var se *SecurityError
	return errors.As(err, &se) && se.Reason == ReasonRateLimit
}

func rejectedAt(err error, stage Stage) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Stage == stage
	}
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Stage == stage && se.Reason != ReasonRateLimit
	}
	return false
}
