package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/middleware"
	"github.com/shan-hee/easyssh/internal/monitor"
)

// MonitorProxy serves one frontend subscriber: subscription bookkeeping,
// cached-frame replay and the fan-out stream all run through the hub; this
// handler only decodes the inbound envelopes.
func MonitorProxy(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	conn, err := gateway.Accept(w, r, "/monitor")
	if err != nil {
		log.Printf("[monitor] accept failed: %v", err)
		return
	}
	conn.UserID = user.ID
	conn.Username = user.Username

	Obs.WSOpened("/monitor")
	defer Obs.WSClosed("/monitor")
	WSHub.Track(conn)
	defer WSHub.Untrack(conn)

	MonitorHub.Register(conn, "frontend")
	defer MonitorHub.Unregister(conn.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}

		switch f.Type {
		case monitor.FrameSubscribe:
			serverID, ok := decodeServerID(f.Payload)
			if !ok {
				MonitorHub.SendError(conn.ID(), "subscribe_server requires serverId")
				continue
			}
			MonitorHub.Subscribe(conn.ID(), serverID)

		case monitor.FrameUnsubscribe:
			serverID, ok := decodeServerID(f.Payload)
			if !ok {
				MonitorHub.SendError(conn.ID(), "unsubscribe_server requires serverId")
				continue
			}
			MonitorHub.Unsubscribe(conn.ID(), serverID)

		case monitor.FrameRequestStats:
			hostID := f.HostID
			if hostID == "" {
				// Older clients nest the identifier in the payload.
				hostID, _ = decodeHostID(f.Payload)
			}
			if hostID == "" {
				MonitorHub.SendError(conn.ID(), "request_system_stats requires hostId")
				continue
			}
			MonitorHub.RequestStats(conn.ID(), hostID)

		case monitor.FrameAbort:
			serverID, _ := decodeServerID(f.Payload)
			MonitorHub.Abort(conn.ID(), serverID)

		case "ping":
			conn.TrySend(gateway.NewFrame("pong"))

		default:
			MonitorHub.SendError(conn.ID(), "unknown frame type "+f.Type)
		}
	}
}

// MonitorClientProxy ingests telemetry reported by external agents. The path
// is inbound only: samples are normalized and published, and the agent hears
// back only when a sample is unusable.
func MonitorClientProxy(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	conn, err := gateway.Accept(w, r, "/monitor-client")
	if err != nil {
		log.Printf("[monitor] agent accept failed: %v", err)
		return
	}
	conn.UserID = user.ID
	conn.Username = user.Username

	Obs.WSOpened("/monitor-client")
	defer Obs.WSClosed("/monitor-client")
	WSHub.Track(conn)
	defer WSHub.Untrack(conn)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sessionID := user.Username
	ctx := r.Context()
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}

		switch f.Type {
		case monitor.FrameSystemStats:
			if _, err := MonitorHub.Ingest(f.Payload, "agent", sessionID); err != nil {
				conn.TrySend(errorFrame(err.Error()))
			}

		case "ping":
			conn.TrySend(gateway.NewFrame("pong"))

		default:
			conn.TrySend(errorFrame("unknown frame type " + f.Type))
		}
	}
}

func decodeServerID(payload json.RawMessage) (string, bool) {
	var p struct {
		ServerID string `json:"serverId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.ServerID == "" {
		return "", false
	}
	return p.ServerID, true
}

func decodeHostID(payload json.RawMessage) (string, bool) {
	var p struct {
		HostID string `json:"hostId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.HostID == "" {
		return "", false
	}
	return p.HostID, true
}
