package security

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
)

// Field names used in validation errors and audit details
const (
	FieldClientID    = "client_id"
	FieldState       = "state"
	FieldCode        = "code"
	FieldScope       = "scope"
	FieldRedirectURI = "redirect_uri"
	FieldVerifier    = "code_verifier"
	FieldChallenge   = "code_challenge"
)

var (
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)
	// CSRF state minted by StateManager
	csrfStatePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{8,128}$`)
	// opaque state chosen by the client and echoed back unchanged
	oauthStatePattern = regexp.MustCompile(`^[A-Za-z0-9_.~-]{1,512}$`)
	codePattern       = regexp.MustCompile(`^[A-Za-z0-9_-]{32,128}$`)
	scopeTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_:.-]+$`)
	verifierPattern   = regexp.MustCompile(`^[A-Za-z0-9._~-]{43,128}$`)
)

// Attack signatures. None of them can match a value that already passed the
// allow-list patterns above; they exist to classify rejected input.
var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed|svg|img)\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)\bon(load|error|click|focus|blur|submit|change|input|key\w+|mouse\w+)\s*=`),
	regexp.MustCompile(`(?i)\bunion\b[\s\S]*\bselect\b`),
	regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|truncate)\b`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+['"\d]`),
	regexp.MustCompile(`'\s*--`),
	regexp.MustCompile(`/\*[\s\S]*\*/`),
	regexp.MustCompile(`[\x00\r\n]`),
	regexp.MustCompile(`\.\./`),
}

// ErrMaliciousInput marks a ValidationError caused by an attack signature
var ErrMaliciousInput = errors.New("malicious input detected")

// ValidationError reports a parameter that failed validation.
type ValidationError struct {
	Field     string
	Malicious bool
}

func (e *ValidationError) Error() string {
	if e.Malicious {
		return fmt.Sprintf("%s contains disallowed content", e.Field)
	}
	return fmt.Sprintf("%s is malformed", e.Field)
}

// Is lets errors.Is(err, ErrMaliciousInput) match malicious input
func (e *ValidationError) Is(target error) bool {
	return target == ErrMaliciousInput && e.Malicious
}

// InputValidator checks inbound parameters against per-field allow-lists and
// reports attack signatures to the audit log.
type InputValidator struct {
	auditor         *Auditor
	instrumentation *instrumentation.Instrumentation
}

// NewInputValidator creates an InputValidator. auditor may be nil.
func NewInputValidator(auditor *Auditor) *InputValidator {
	return &InputValidator{auditor: auditor}
}

// SetInstrumentation enables malicious input metrics
func (v *InputValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.instrumentation = inst
}

// ValidateClientID checks a client_id parameter
func (v *InputValidator) ValidateClientID(ctx context.Context, value string) error {
	return v.check(ctx, FieldClientID, value, clientIDPattern)
}

// ValidateState checks a CSRF state minted by StateManager
func (v *InputValidator) ValidateState(ctx context.Context, value string) error {
	return v.check(ctx, FieldState, value, csrfStatePattern)
}

// ValidateOAuthState checks the client's opaque state parameter. It is only
// echoed back, so any length from 1 to 512 of unreserved characters is
// accepted.
func (v *InputValidator) ValidateOAuthState(ctx context.Context, value string) error {
	return v.check(ctx, FieldState, value, oauthStatePattern)
}

// ValidateCode checks an authorization code parameter
func (v *InputValidator) ValidateCode(ctx context.Context, value string) error {
	return v.check(ctx, FieldCode, value, codePattern)
}

// ValidateCodeVerifier checks a PKCE code_verifier (RFC 7636 section 4.1)
func (v *InputValidator) ValidateCodeVerifier(ctx context.Context, value string) error {
	return v.check(ctx, FieldVerifier, value, verifierPattern)
}

// ValidateScope checks a space-separated scope string. Empty is valid.
func (v *InputValidator) ValidateScope(ctx context.Context, value string) error {
	if v.DetectMalicious(value) {
		v.reportMalicious(ctx, FieldScope, value)
		return &ValidationError{Field: FieldScope, Malicious: true}
	}
	for _, s := range util.SplitScopes(value) {
		if !scopeTokenPattern.MatchString(s) {
			return &ValidationError{Field: FieldScope}
		}
	}
	return nil
}

// CheckMalicious scans free-form input such as redirect_uri that has no
// allow-list pattern of its own.
func (v *InputValidator) CheckMalicious(ctx context.Context, field, value string) error {
	if v.DetectMalicious(value) {
		v.reportMalicious(ctx, field, value)
		return &ValidationError{Field: field, Malicious: true}
	}
	return nil
}

// DetectMalicious reports whether value matches a known script or SQL
// injection signature.
func (v *InputValidator) DetectMalicious(value string) bool {
	if value == "" {
		return false
	}
	for _, p := range maliciousPatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// Sanitize makes untrusted input safe for logs and HTML: control characters
// are dropped, markup is escaped and the result is capped at 256 bytes.
func (v *InputValidator) Sanitize(value string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)
	return html.EscapeString(util.SafeTruncate(cleaned, 256))
}

func (v *InputValidator) check(ctx context.Context, field, value string, pattern *regexp.Regexp) error {
	if v.DetectMalicious(value) {
		v.reportMalicious(ctx, field, value)
		return &ValidationError{Field: field, Malicious: true}
	}
	if !pattern.MatchString(value) {
		return &ValidationError{Field: field}
	}
	return nil
}

func (v *InputValidator) reportMalicious(ctx context.Context, field, value string) {
	if v.instrumentation != nil {
		v.instrumentation.Metrics().RecordMaliciousInput(ctx, field)
	}
	v.auditor.LogEvent(ctx, Event{
		Type: EventMaliciousInput,
		Details: map[string]any{
			"field":  field,
			"sample": v.Sanitize(util.SafeTruncate(value, 32)),
		},
	})
}
