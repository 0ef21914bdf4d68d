package ai

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/shan-hee/easyssh/internal/crypto"
	"github.com/shan-hee/easyssh/internal/database"
	"github.com/shan-hee/easyssh/internal/metrics"
)

// Pipeline error codes, as they appear on the wire.
const (
	CodeInvalidRequest      = "InvalidRequest"
	CodeRateLimited         = "RateLimited"
	CodeSecurityBlocked     = "SecurityBlocked"
	CodeUpstreamUnreachable = "UpstreamUnreachable"
	CodeTimeout             = "Timeout"
	CodeInternal            = "Internal"
)

// Error is a pipeline failure ready for the error frame. Message never
// contains unredacted upstream text. ResetTime is set for RateLimited only.
type Error struct {
	Code      string
	Message   string
	ResetTime int
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// ChatInput is one /ai chat request after envelope decoding.
type ChatInput struct {
	Messages       []ChatMessage
	Stream         bool
	TerminalOutput string
	CurrentInput   string
}

// ChatResult summarizes a completed request. Content travels through the
// caller's onDelta callback, not here.
type ChatResult struct {
	Usage           Usage
	RiskLevel       string
	CacheKey        string
	SecurityWarning string
}

// TestResult is the test-connection outcome. Success means the upstream was
// reached; Valid means it accepted the credentials.
type TestResult struct {
	Success bool
	Valid   bool
	Message string
	Model   string
}

// Pipeline runs a chat request end to end: rate limit, config lookup,
// context build, redaction, upstream call, usage accounting.
type Pipeline struct {
	vault   *Vault
	limiter *Limiter
	client  *Client
	obs     *metrics.Observer

	// strict annotates high-risk contexts with a security warning.
	strict bool
}

func NewPipeline(vault *Vault, limiter *Limiter, client *Client, obs *metrics.Observer) *Pipeline {
	if obs == nil {
		obs = metrics.Nop()
	}
	return &Pipeline{vault: vault, limiter: limiter, client: client, obs: obs, strict: true}
}

// Chat runs one request. Delta content streams through onDelta; the final
// usage and context annotations come back in the result. All failures are
// *Error values.
func (p *Pipeline) Chat(ctx context.Context, userID uint, in ChatInput, onDelta func(string)) (*ChatResult, error) {
	if len(in.Messages) == 0 {
		return nil, &Error{Code: CodeInvalidRequest, Message: "chat requires at least one message"}
	}

	// A missing limiter fails open: availability over throttling.
	if p.limiter != nil {
		if d := p.limiter.Allow(userID); !d.Allowed {
			p.obs.RateRejected(d.Reason)
			p.obs.AIRequest("rate_limited")
			return nil, &Error{Code: CodeRateLimited, Message: d.Reason + ": " + d.Message, ResetTime: d.ResetTime}
		}
	}

	cfg, err := p.vault.Get(userID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil, &Error{Code: CodeInvalidRequest, Message: "AI is not configured for this account"}
		}
		log.Printf("[ai] config lookup failed for user %d: %v", userID, err)
		return nil, &Error{Code: CodeInternal, Message: "failed to load AI configuration"}
	}

	tc, blocked := p.buildContext(in)
	if blocked {
		log.Printf("[ai] critical secret in terminal context for user %d, content blocked", userID)
	}

	// Terminal context degrades to the sentinel, but key material typed
	// directly into the conversation rejects the request outright.
	redacted := make([]ChatMessage, len(in.Messages))
	for i, m := range in.Messages {
		res := Redact(m.Content)
		if res.Critical {
			p.obs.AIRequest("blocked")
			return nil, &Error{Code: CodeSecurityBlocked, Message: "message contains sensitive credentials"}
		}
		redacted[i] = ChatMessage{Role: m.Role, Content: res.Text}
	}
	messages := upstreamMessages(tc, redacted)

	usage, err := p.client.Chat(ctx, cfg, messages, in.Stream, onDelta)
	if err != nil {
		return nil, p.upstreamFailure(userID, err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	if err := database.AddUsage(userID, day, usage.PromptTokens, usage.CompletionTokens, 0); err != nil {
		log.Printf("[ai] usage accounting failed for user %d: %v", userID, err)
	}
	p.obs.AIRequest("ok")

	return &ChatResult{
		Usage:           usage,
		RiskLevel:       tc.RiskLevel,
		CacheKey:        tc.CacheKey,
		SecurityWarning: tc.SecurityWarning,
	}, nil
}

// TestConnection probes the upstream with the given config; fields left
// empty fall back to the user's stored config. The API key never appears in
// the result or the logs unmasked.
func (p *Pipeline) TestConnection(ctx context.Context, userID uint, probe ApiConfig) TestResult {
	cfg := probe
	if cfg.APIKey == "" || cfg.BaseURL == "" {
		stored, err := p.vault.Get(userID)
		if err != nil {
			return TestResult{Message: "no API configuration to test"}
		}
		if cfg.APIKey == "" {
			cfg.APIKey = stored.APIKey
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = stored.BaseURL
		}
		if cfg.Model == "" {
			cfg.Model = stored.Model
		}
	}
	log.Printf("[ai] test-connection for user %d: base=%s key=%s", userID, cfg.BaseURL, crypto.Mask(cfg.APIKey))

	model, err := p.client.TestConnection(ctx, cfg)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			if ue.Status == http.StatusUnauthorized || ue.Status == http.StatusForbidden {
				return TestResult{Success: true, Valid: false, Message: "API key rejected by upstream"}
			}
			return TestResult{Success: true, Valid: false, Message: "upstream returned an error"}
		}
		return TestResult{Success: false, Valid: false, Message: "upstream unreachable"}
	}
	return TestResult{Success: true, Valid: true, Message: "connection OK", Model: model}
}

// buildContext assembles and redacts the terminal context. A critical
// secret replaces the output with the sentinel; a high-risk command under
// strict redaction only annotates.
func (p *Pipeline) buildContext(in ChatInput) (TerminalContext, bool) {
	tc := BuildContext(in.TerminalOutput, in.CurrentInput)

	outRes := Redact(tc.TerminalOutput)
	inRes := Redact(tc.CurrentInput)
	tc.TerminalOutput = outRes.Text
	tc.CurrentInput = inRes.Text

	if outRes.Critical || inRes.Critical {
		tc.TerminalOutput = Sentinel
		tc.SecurityWarning = "sensitive data detected in terminal output; content withheld"
		return tc, true
	}
	if tc.RiskLevel == "high" && p.strict {
		tc.SecurityWarning = "high-risk command detected in context"
	}
	return tc, false
}

// upstreamFailure maps an upstream error to a pipeline error. A 429 arms
// the user's cooldown gate.
func (p *Pipeline) upstreamFailure(userID uint, err error) error {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Status == http.StatusTooManyRequests {
		if p.limiter != nil {
			p.limiter.TriggerCooldown(userID, 0)
		}
		p.obs.AIRequest("rate_limited")
		return &Error{Code: CodeRateLimited, Message: "upstream rate limited, cooling down", ResetTime: int(DefaultCooldown / time.Second)}
	}
	p.obs.AIRequest("error")
	log.Printf("[ai] upstream call failed for user %d: %v", userID, err)
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Code: CodeTimeout, Message: "upstream request timed out"}
	}
	if errors.As(err, &ue) {
		return &Error{Code: CodeUpstreamUnreachable, Message: "upstream returned an error"}
	}
	return &Error{Code: CodeUpstreamUnreachable, Message: "failed to reach AI upstream"}
}

// upstreamMessages prepends the terminal context as a system message. The
// context rides as compact JSON so any OpenAI-compatible upstream accepts
// the request unchanged. Messages must already be redacted.
func upstreamMessages(tc TerminalContext, msgs []ChatMessage) []ChatMessage {
	if tc.TerminalOutput == "" && tc.CurrentInput == "" {
		return msgs
	}
	blob, err := json.Marshal(tc)
	if err != nil {
		return msgs
	}
	sys := ChatMessage{Role: "system", Content: "Terminal context: " + string(blob)}
	return append([]ChatMessage{sys}, msgs...)
}
