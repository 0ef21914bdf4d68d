package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/shan-hee/easyssh/internal/ai"
	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/middleware"
)

// AIProxy serves chat completions over one socket. Requests run one at a
// time per connection; deltas stream back as they arrive from the upstream.
func AIProxy(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	conn, err := gateway.Accept(w, r, "/ai")
	if err != nil {
		log.Printf("[ai] accept failed: %v", err)
		return
	}
	conn.UserID = user.ID
	conn.Username = user.Username

	Obs.WSOpened("/ai")
	defer Obs.WSClosed("/ai")
	WSHub.Track(conn)
	defer WSHub.Untrack(conn)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}

		switch f.Type {
		case "chat":
			handleChat(ctx, conn, user.ID, f.Payload)

		case "ping":
			conn.TrySend(gateway.NewFrame("pong"))

		default:
			conn.TrySend(errorFrame("unknown frame type " + f.Type))
		}
	}
}

type chatPayload struct {
	Messages       []ai.ChatMessage `json:"messages"`
	Stream         bool             `json:"stream"`
	TerminalOutput string           `json:"terminalOutput"`
	CurrentInput   string           `json:"currentInput"`
}

func handleChat(ctx context.Context, conn *gateway.Conn, userID uint, payload json.RawMessage) {
	var p chatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		sendAIError(conn, &ai.Error{Code: ai.CodeInvalidRequest, Message: "malformed chat payload"})
		return
	}

	in := ai.ChatInput{
		Messages:       p.Messages,
		Stream:         p.Stream,
		TerminalOutput: p.TerminalOutput,
		CurrentInput:   p.CurrentInput,
	}

	streamer := &deltaStreamer{conn: conn}
	result, err := AIPipeline.Chat(ctx, userID, in, streamer.push)
	if err != nil {
		var pe *ai.Error
		if !errors.As(err, &pe) {
			pe = &ai.Error{Code: ai.CodeInternal, Message: "chat request failed"}
		}
		sendAIError(conn, pe)
		return
	}
	if err := streamer.flush(ctx); err != nil {
		return
	}

	done := map[string]interface{}{
		"usage": map[string]int64{
			"input":  result.Usage.PromptTokens,
			"output": result.Usage.CompletionTokens,
			"total":  result.Usage.TotalTokens,
		},
		"riskLevel": result.RiskLevel,
		"cacheKey":  result.CacheKey,
	}
	if result.SecurityWarning != "" {
		done["securityWarning"] = result.SecurityWarning
	}
	_ = conn.Send(ctx, gateway.DataFrame("done", done))
}

func sendAIError(conn *gateway.Conn, pe *ai.Error) {
	data := map[string]interface{}{
		"code":    pe.Code,
		"message": pe.Message,
	}
	if pe.ResetTime > 0 {
		data["resetTime"] = pe.ResetTime
	}
	conn.TrySend(gateway.DataFrame("error", data))
}

// deltaStreamer forwards content fragments as delta frames. When the socket's
// queue is full the fragment is held and coalesced with the next one instead
// of dropping or blocking the upstream read.
type deltaStreamer struct {
	conn    *gateway.Conn
	pending strings.Builder
}

func (d *deltaStreamer) push(content string) {
	d.pending.WriteString(content)
	if d.conn.TryEnqueue(gateway.DataFrame("delta", d.pending.String())) {
		d.pending.Reset()
	}
}

// flush sends whatever is still coalesced, blocking until it fits.
func (d *deltaStreamer) flush(ctx context.Context) error {
	if d.pending.Len() == 0 {
		return nil
	}
	if err := d.conn.Send(ctx, gateway.DataFrame("delta", d.pending.String())); err != nil {
		return err
	}
	d.pending.Reset()
	return nil
}
