package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Validator inspects tool input before execution and tool output after it.
// A validator that does not care about a phase returns nil for it.
type Validator interface {
	ValidateInput(ctx context.Context, data any) error
	ValidateOutput(ctx context.Context, data any) error
}

// GuardrailChain runs validators in registration order and stops at the
// first rejection. Safe for concurrent use once built.
type GuardrailChain struct {
	validators []Validator
}

// NewGuardrailChain creates a chain from the given validators.
func NewGuardrailChain(validators ...Validator) *GuardrailChain {
	return &GuardrailChain{validators: append([]Validator(nil), validators...)}
}

// Add appends a validator. Not safe to call concurrently with validation.
func (c *GuardrailChain) Add(v Validator) {
	c.validators = append(c.validators, v)
}

func (c *GuardrailChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.validators)
}

// ValidateInput runs every validator's ValidateInput until one fails.
// *ValidationError and *SecurityError results are tagged with StageInput.
func (c *GuardrailChain) ValidateInput(ctx context.Context, data any) error {
	if c == nil {
		return nil
	}
	for _, v := range c.validators {
		if err := v.ValidateInput(ctx, data); err != nil {
			return tagStage(err, StageInput)
		}
	}
	return nil
}

// ValidateOutput runs every validator's ValidateOutput until one fails.
func (c *GuardrailChain) ValidateOutput(ctx context.Context, data any) error {
	if c == nil {
		return nil
	}
	for _, v := range c.validators {
		if err := v.ValidateOutput(ctx, data); err != nil {
			return tagStage(err, StageOutput)
		}
	}
	return nil
}

func tagStage(err error, stage Stage) error {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Stage == "" {
		ve.Stage = stage
	}
	var se *SecurityError
	if errors.As(err, &se) && se.Stage == "" {
		se.Stage = stage
	}
	return err
}

// textOf extracts scannable text from a validator payload. Strings are used
// as-is. Maps and slices are walked and each string leaf is written on its
// own line, map leaves as "key: value", so rules see unescaped text.
func textOf(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	var b strings.Builder
	writeLeaves(&b, data)
	return strings.TrimSuffix(b.String(), "\n")
}

func writeLeaves(b *strings.Builder, data any) {
	switch v := data.(type) {
	case nil:
	case string:
		b.WriteString(v)
		b.WriteByte('\n')
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			if s, ok := v[k].(string); ok {
				b.WriteString(k + ": " + s + "\n")
				continue
			}
			writeLeaves(b, v[k])
		}
	case []any:
		for _, item := range v {
			writeLeaves(b, item)
		}
	case bool, float64, int, int64, json.Number:
		fmt.Fprintln(b, v)
	default:
		// Round-trip other shapes through JSON, without HTML escaping, so
		// structs and typed maps are walked the same way.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		var generic any
		if enc.Encode(data) != nil || json.Unmarshal(buf.Bytes(), &generic) != nil {
			fmt.Fprintln(b, data)
			return
		}
		writeLeaves(b, generic)
	}
}

// --- ContentSafetyGuard ---

// Verdict is a classifier's judgement on a piece of text.
type Verdict struct {
	OK      bool
	Kind    string // violation category, empty when OK
	Pattern string // what matched, for diagnostics
}

// Classifier decides whether text is safe. Implementations may be regex
// based, model based or allow-list based.
type Classifier interface {
	Classify(text string) Verdict
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(text string) Verdict

func (f ClassifierFunc) Classify(text string) Verdict { return f(text) }

type contentRule struct {
	kind string
	re   *regexp.Regexp
}

// defaultContentRules flag clearly harmful requests, grouped by category.
var defaultContentRules = []contentRule{
	{"violence", regexp.MustCompile(`(?i)\b(how to|help me|ways to)\b.{0,40}\b(kill|murder|poison)\s+(someone|somebody|a person|people|him|her|them)\b`)},
	{"weapons", regexp.MustCompile(`(?i)\b(build|make|assemble|synthesi[sz]e)\b.{0,30}\b(bomb|explosive|nerve agent|bioweapon)s?\b`)},
	{"self_harm", regexp.MustCompile(`(?i)\b(ways|how) to (commit suicide|kill myself|self[- ]harm)\b`)},
	{"malware", regexp.MustCompile(`(?i)\b(write|create|build)\b.{0,30}\b(ransomware|keylogger|credential stealer)\b`)},
	{"destructive_command", regexp.MustCompile(`(?i)(\brm\s+-rf\s+/(?:[\s"'*]|$)|\bmkfs(\.\w+)?\s+/dev/|:\(\)\s*\{\s*:\|:&\s*\};:)`)},
	{"credential_leak", regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|passwd)\b["']?\s*[:=]\s*["']?[^\s"']{8,}`)},
}

// zeroWidthChars are invisible characters used to split flagged words.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space (BOM)
	"\u2060", "", // word joiner
	"\u180e", "", // Mongolian vowel separator
	"\u00ad", "", // soft hyphen
)

// normalizeText strips zero-width characters and applies NFKC so fullwidth
// and other compatibility forms match ASCII patterns.
func normalizeText(s string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(s))
}

// RegexClassifier flags text matching any of its rules.
type RegexClassifier struct {
	rules []contentRule
}

// NewRegexClassifier creates a classifier with the built-in rules plus any
// extra patterns, which are reported with kind "custom".
func NewRegexClassifier(extra ...*regexp.Regexp) *RegexClassifier {
	rules := append([]contentRule(nil), defaultContentRules...)
	for _, re := range extra {
		rules = append(rules, contentRule{kind: "custom", re: re})
	}
	return &RegexClassifier{rules: rules}
}

func (c *RegexClassifier) Classify(text string) Verdict {
	for _, r := range c.rules {
		if m := r.re.FindString(text); m != "" {
			return Verdict{Kind: r.kind, Pattern: m}
		}
	}
	return Verdict{OK: true}
}

// ContentSafetyGuard rejects tool input and output that its Classifier flags,
// raising *SecurityError with ReasonContentSafety.
type ContentSafetyGuard struct {
	classifier Classifier
	logger     *slog.Logger
}

// ContentSafetyOption configures a ContentSafetyGuard.
type ContentSafetyOption func(*ContentSafetyGuard)

// WithClassifier replaces the default RegexClassifier.
func WithClassifier(c Classifier) ContentSafetyOption {
	return func(g *ContentSafetyGuard) { g.classifier = c }
}

// ContentSafetyLogger sets the logger; rejections are logged at WARN.
func ContentSafetyLogger(l *slog.Logger) ContentSafetyOption {
	return func(g *ContentSafetyGuard) { g.logger = l }
}

func NewContentSafetyGuard(opts ...ContentSafetyOption) *ContentSafetyGuard {
	g := &ContentSafetyGuard{}
	for _, o := range opts {
		o(g)
	}
	if g.classifier == nil {
		g.classifier = NewRegexClassifier()
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

func (g *ContentSafetyGuard) ValidateInput(_ context.Context, data any) error {
	return g.check(data, StageInput)
}

func (g *ContentSafetyGuard) ValidateOutput(_ context.Context, data any) error {
	return g.check(data, StageOutput)
}

func (g *ContentSafetyGuard) check(data any, stage Stage) error {
	text := textOf(data)
	if text == "" {
		return nil
	}
	v := g.classifier.Classify(normalizeText(text))
	if v.OK {
		return nil
	}
	g.logger.Warn("unsafe content blocked", "stage", stage, "kind", v.Kind)
	return &SecurityError{
		Validator: "content_safety",
		Reason:    ReasonContentSafety,
		Message:   "content flagged as " + v.Kind,
	}
}

// --- LengthGuard ---

// LengthGuard enforces rune-length ceilings on tool input and output.
// A zero limit skips that check.
type LengthGuard struct {
	MaxInput  int
	MaxOutput int
}

func NewLengthGuard(maxInput, maxOutput int) *LengthGuard {
	return &LengthGuard{MaxInput: maxInput, MaxOutput: maxOutput}
}

func (g *LengthGuard) ValidateInput(_ context.Context, data any) error {
	return checkLength(data, g.MaxInput)
}

func (g *LengthGuard) ValidateOutput(_ context.Context, data any) error {
	return checkLength(data, g.MaxOutput)
}

func checkLength(data any, max int) error {
	if max <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(textOf(data)); n > max {
		return &ValidationError{
			Validator: "length",
			Message:   fmt.Sprintf("length %d exceeds limit %d", n, max),
		}
	}
	return nil
}

// compile-time checks
var (
	_ Validator = (*ContentSafetyGuard)(nil)
	_ Validator = (*LengthGuard)(nil)
	_ Validator = (*SchemaGuard)(nil)
	_ Validator = (*ToolSchemaGuard)(nil)
	_ Validator = (*RateLimitGuard)(nil)
)
