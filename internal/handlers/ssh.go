package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/shan-hee/easyssh/internal/config"
	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/middleware"
	"github.com/shan-hee/easyssh/internal/monitor"
	"github.com/shan-hee/easyssh/internal/sshsession"
)

// SSHProxy serves one terminal tab: it upgrades the socket, waits for a
// connect frame, opens the SSH session, and pumps frames until either side
// goes away. A monitoring collector is attached to every opened session and
// lives exactly as long as it does.
func SSHProxy(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	conn, err := gateway.Accept(w, r, "/ssh")
	if err != nil {
		log.Printf("[ssh] accept failed: %v", err)
		return
	}
	conn.UserID = user.ID
	conn.Username = user.Username

	Obs.WSOpened("/ssh")
	defer Obs.WSClosed("/ssh")
	WSHub.Track(conn)
	defer WSHub.Untrack(conn)

	ctx := r.Context()
	var sess *sshsession.Session

	defer func() {
		if sess != nil {
			sess.Disconnect()
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}

		switch f.Type {
		case "connect":
			if sess != nil && sess.State() != sshsession.StateClosed {
				conn.TrySend(errorFrame("session already connected"))
				continue
			}
			sess = handleConnect(ctx, conn, f.Payload)
			if sess == nil {
				continue // invalid params; socket stays open for a retry
			}
			if sess.State() != sshsession.StateOpen {
				return // dial or auth failed, terminal
			}

		case "data":
			if sess == nil {
				conn.TrySend(errorFrame("no session; send connect first"))
				continue
			}
			b, err := sshsession.DecodeDataPayload(f.Payload, f.Encoding)
			if err != nil {
				conn.TrySend(errorFrame(err.Error()))
				continue
			}
			if err := sess.Write(b); err != nil {
				log.Printf("[ssh] write to session %s failed: %v", sess.ID, err)
				return
			}

		case "resize":
			if sess == nil {
				continue
			}
			var dims struct {
				Cols int `json:"cols"`
				Rows int `json:"rows"`
			}
			if err := json.Unmarshal(f.Payload, &dims); err != nil {
				conn.TrySend(errorFrame("resize payload must carry cols and rows"))
				continue
			}
			sess.Resize(dims.Cols, dims.Rows)

		case "disconnect":
			if sess != nil {
				sess.Disconnect()
			}
			return

		case "ping":
			conn.TrySend(gateway.NewFrame(sshsession.FramePong))

		default:
			conn.TrySend(errorFrame("unknown frame type " + f.Type))
		}
	}
}

// handleConnect validates the connect payload and opens the session. Invalid
// params emit connectError and return nil with the socket usable; dial and
// auth failures emit connectError on a session already in closed state.
func handleConnect(ctx context.Context, conn *gateway.Conn, payload json.RawMessage) *sshsession.Session {
	var p sshsession.Params
	if err := json.Unmarshal(payload, &p); err != nil {
		sendConnectError(ctx, conn, sshsession.CodeInvalidRequest, "malformed connect payload")
		return nil
	}
	if err := p.Validate(); err != nil {
		sendConnectError(ctx, conn, sshsession.CodeInvalidRequest, err.Error())
		return nil
	}

	sess := sshsession.New(context.Background(), conn, Reg, Obs, nil)
	if err := sess.Open(&p); err != nil {
		log.Printf("[ssh] open %s@%s:%d failed: %v", p.Username, p.Host, p.Port, err)
		sendConnectError(ctx, conn, sshsession.Classify(err), "failed to establish SSH connection")
		return sess
	}

	collector := monitor.NewCollector(MonitorHub, Reg, sess.Client(), conn.ID(), sess.ID, p.Host, config.Cfg.MonitorInterval)
	collector.Start(sess.Context())

	return sess
}

func sendConnectError(ctx context.Context, conn *gateway.Conn, code, message string) {
	_ = conn.Send(ctx, gateway.DataFrame(sshsession.FrameConnectError, map[string]string{
		"code":    code,
		"message": message,
	}))
}
