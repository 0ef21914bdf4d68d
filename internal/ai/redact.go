package ai

import "regexp"

// Sentinel replaces terminal output entirely when a critical secret is
// detected; partial redaction is not trusted for key material.
const Sentinel = "***CONTENT_BLOCKED_DUE_TO_SENSITIVE_DATA***"

// RedactResult describes one pass over a piece of text. Findings lists the
// names of the patterns that matched, in evaluation order. Critical is set
// when the raw text held a secret that must block the content outright.
type RedactResult struct {
	Text     string
	Findings []string
	Critical bool
}

type redactPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// The eight redaction patterns. Order matters twice: private keys go first
// so their base64 body cannot half-match later patterns, and DB URLs go
// before emails so "user:pass@host" is not misread as an address. Every
// replacement is a fixed point of its own pattern, which makes Redact
// idempotent.
var redactPatterns = []redactPattern{
	{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED_PRIVATE_KEY]"},
	{"aws_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED_AWS_KEY]"},
	{"db_url", regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb(?:\+srv)?|redis|amqp)://\S+`), "$1://[REDACTED]"},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`), "Bearer [REDACTED]"},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), "[REDACTED_JWT]"},
	{"password", regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[=:]\s*\S+`), "$1=[REDACTED]"},
	{"api_key", regexp.MustCompile(`(?i)\b(api[_-]?key)\s*[=:]\s*\S+`), "$1=[REDACTED]"},
	{"email", regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`), "[REDACTED_EMAIL]"},
}

// Critical secrets force the sentinel: private keys, AWS access keys, and
// passwords with a value of eight or more characters. The password value
// class excludes "[" so an already-redacted "[REDACTED]" does not re-trip.
var criticalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[=:]\s*[^\s\[]\S{7,}`),
}

// Redact replaces sensitive material in text and reports what was found.
// Applying it to its own output changes nothing.
func Redact(text string) RedactResult {
	r := RedactResult{Text: text}
	for _, re := range criticalPatterns {
		if re.MatchString(text) {
			r.Critical = true
			break
		}
	}
	for _, p := range redactPatterns {
		if p.re.MatchString(r.Text) {
			r.Text = p.re.ReplaceAllString(r.Text, p.replacement)
			r.Findings = append(r.Findings, p.name)
		}
	}
	return r
}
