package handlers

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/monitor"
)

func TestMonitorProxy_SubscribePublishFlow(t *testing.T) {
	user := setupCores(t)
	front := dialWS(t, MonitorProxy, user)

	greet := awaitType(t, front, monitor.FrameSessionCreated, 5*time.Second)
	gd := frameData(t, greet)
	if gd["connectionType"] != "frontend" {
		t.Errorf("connectionType = %v, want frontend", gd["connectionType"])
	}
	sessionID, _ := gd["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("greeting should carry a sessionId")
	}

	const serverID = "web-01@10.0.0.5"
	writeFrame(t, front, gateway.PayloadFrame(monitor.FrameSubscribe, map[string]string{"serverId": serverID}))
	ack := awaitType(t, front, monitor.FrameSubscribeAck, 5*time.Second)
	ad := frameData(t, ack)
	if ad["serverId"] != serverID {
		t.Errorf("ack serverId = %v, want %v", ad["serverId"], serverID)
	}
	if ad["sessionId"] != sessionID {
		t.Errorf("ack sessionId = %v, want greeting's %v", ad["sessionId"], sessionID)
	}

	agent := dialWS(t, MonitorClientProxy, user)
	sample := map[string]interface{}{
		"hostId":  serverID,
		"cpu":     map[string]interface{}{"usage": 42.5, "cores": 8},
		"memory":  map[string]interface{}{"total": 1000, "used": 250, "free": 750},
		"network": map[string]interface{}{"total_rx_speed": 1024, "total_tx_speed": 2048},
	}
	writeFrame(t, agent, gateway.PayloadFrame(monitor.FrameSystemStats, sample))

	status := awaitType(t, front, monitor.FrameStatus, 5*time.Second)
	sd := frameData(t, status)
	if sd["status"] != monitor.StatusInstalled || sd["available"] != true {
		t.Errorf("status frame = %v, want installed/available", sd)
	}
	if sd["hostId"] != serverID {
		t.Errorf("status hostId = %v, want %v", sd["hostId"], serverID)
	}

	stats := awaitType(t, front, monitor.FrameSystemStats, 5*time.Second)
	var mf monitor.Frame
	if err := json.Unmarshal(stats.Payload, &mf); err != nil {
		t.Fatalf("decode stats payload: %v", err)
	}
	if mf.HostID != serverID {
		t.Errorf("HostID = %q, want %q", mf.HostID, serverID)
	}
	if mf.CPU.Usage != 42.5 {
		t.Errorf("CPU.Usage = %v, want 42.5", mf.CPU.Usage)
	}
	if mf.Memory.UsedPercentage != 25 {
		t.Errorf("Memory.UsedPercentage = %v, want 25", mf.Memory.UsedPercentage)
	}
	if mf.Source != "agent" {
		t.Errorf("Source = %q, want agent", mf.Source)
	}
	if mf.SessionID != user.Username {
		t.Errorf("SessionID = %q, want %q", mf.SessionID, user.Username)
	}
	if mf.Cached {
		t.Error("live publish must not be marked cached")
	}

	// The second publish skips the status frame: same status, same host.
	writeFrame(t, agent, gateway.PayloadFrame(monitor.FrameSystemStats, sample))
	next, err := readFrame(front, 5*time.Second)
	if err != nil {
		t.Fatalf("read second publish: %v", err)
	}
	if next.Type != monitor.FrameSystemStats {
		t.Errorf("second publish frame = %q, want %q", next.Type, monitor.FrameSystemStats)
	}

	writeFrame(t, front, gateway.PayloadFrame(monitor.FrameUnsubscribe, map[string]string{"serverId": serverID}))
	awaitType(t, front, monitor.FrameUnsubscribeAck, 5*time.Second)

	// Telemetry published after the unsubscribe ack stays off this socket.
	writeFrame(t, agent, gateway.PayloadFrame(monitor.FrameSystemStats, sample))
	if f, err := readFrame(front, 300*time.Millisecond); err == nil {
		t.Errorf("unexpected %q frame after unsubscribe", f.Type)
	}

	writeFrame(t, front, gateway.PayloadFrame(monitor.FrameAbort, map[string]string{"serverId": serverID}))
	abortAck := awaitType(t, front, monitor.FrameAbortAck, 5*time.Second)
	aad := frameData(t, abortAck)
	if aad["serverId"] != serverID {
		t.Errorf("abort ack serverId = %v, want %v", aad["serverId"], serverID)
	}
	if aad["count"] != float64(0) {
		t.Errorf("abort ack count = %v, want 0", aad["count"])
	}

	writeFrame(t, front, gateway.NewFrame("ping"))
	awaitType(t, front, "pong", 5*time.Second)
}

func TestMonitorProxy_RequestStats(t *testing.T) {
	user := setupCores(t)
	front := dialWS(t, MonitorProxy, user)
	greet := awaitType(t, front, monitor.FrameSessionCreated, 5*time.Second)
	sessionID, _ := frameData(t, greet)["sessionId"].(string)

	// Unknown host: the poll answers not_installed.
	writeFrame(t, front, gateway.Frame{Type: monitor.FrameRequestStats, HostID: "ghost-01"})
	st := awaitType(t, front, monitor.FrameStatus, 5*time.Second)
	sd := frameData(t, st)
	if sd["status"] != monitor.StatusNotInstalled || sd["available"] != false {
		t.Errorf("status = %v, want not_installed/unavailable", sd)
	}

	// Once a sample lands, the same poll replays it as a cache hit. The
	// nested payload form is the older client shape.
	if _, err := MonitorHub.Ingest([]byte(`{"hostId":"ghost-01","cpu":{"usage":10}}`), "agent", "probe"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	writeFrame(t, front, gateway.PayloadFrame(monitor.FrameRequestStats, map[string]string{"hostId": "ghost-01"}))
	awaitType(t, front, monitor.FrameStatus, 5*time.Second) // flips to installed
	stats := awaitType(t, front, monitor.FrameSystemStats, 5*time.Second)
	var mf monitor.Frame
	if err := json.Unmarshal(stats.Payload, &mf); err != nil {
		t.Fatalf("decode stats payload: %v", err)
	}
	if !mf.Cached {
		t.Error("replayed frame should be marked cached")
	}

	// A poll without any identifier is an error, not a silent drop.
	writeFrame(t, front, gateway.PayloadFrame(monitor.FrameRequestStats, map[string]string{}))
	errF := awaitType(t, front, monitor.FrameError, 5*time.Second)
	ed := frameData(t, errF)
	if msg, _ := ed["message"].(string); !strings.Contains(msg, "hostId") {
		t.Errorf("error message = %q, want mention of hostId", msg)
	}
	if ed["sessionId"] != sessionID {
		t.Errorf("error sessionId = %v, want %v", ed["sessionId"], sessionID)
	}
}

func TestMonitorProxy_BadSubscribePayload(t *testing.T) {
	user := setupCores(t)
	front := dialWS(t, MonitorProxy, user)
	awaitType(t, front, monitor.FrameSessionCreated, 5*time.Second)

	writeFrame(t, front, gateway.PayloadFrame(monitor.FrameSubscribe, map[string]string{}))
	errF := awaitType(t, front, monitor.FrameError, 5*time.Second)
	if msg, _ := frameData(t, errF)["message"].(string); !strings.Contains(msg, "serverId") {
		t.Errorf("error message = %q, want mention of serverId", msg)
	}

	writeFrame(t, front, gateway.NewFrame("mystery"))
	errF = awaitType(t, front, monitor.FrameError, 5*time.Second)
	if msg, _ := frameData(t, errF)["message"].(string); !strings.Contains(msg, "unknown frame type") {
		t.Errorf("error message = %q, want unknown frame type", msg)
	}
}

func TestMonitorClientProxy_RejectsUnusableSamples(t *testing.T) {
	user := setupCores(t)
	agent := dialWS(t, MonitorClientProxy, user)

	// No identifier anywhere in the sample.
	writeFrame(t, agent, gateway.PayloadFrame(monitor.FrameSystemStats, map[string]interface{}{
		"cpu": map[string]interface{}{"usage": 5},
	}))
	errF := awaitType(t, agent, "error", 5*time.Second)
	if msg, _ := frameData(t, errF)["message"].(string); !strings.Contains(msg, "host identifier") {
		t.Errorf("error message = %q, want mention of host identifier", msg)
	}

	writeFrame(t, agent, gateway.NewFrame("ping"))
	awaitType(t, agent, "pong", 5*time.Second)

	writeFrame(t, agent, gateway.NewFrame("subscribe_server"))
	errF = awaitType(t, agent, "error", 5*time.Second)
	if msg, _ := frameData(t, errF)["message"].(string); !strings.Contains(msg, "unknown frame type") {
		t.Errorf("error message = %q, want unknown frame type", msg)
	}
}
