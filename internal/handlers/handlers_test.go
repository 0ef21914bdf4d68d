package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shan-hee/easyssh/internal/ai"
	"github.com/shan-hee/easyssh/internal/auth"
	"github.com/shan-hee/easyssh/internal/config"
	"github.com/shan-hee/easyssh/internal/database"
	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/metrics"
	"github.com/shan-hee/easyssh/internal/middleware"
	"github.com/shan-hee/easyssh/internal/monitor"
	"github.com/shan-hee/easyssh/internal/registry"
)

// setupCores rebuilds every handler dependency against an in-memory database
// and returns the user the fixtures act as. Package-level handler state is
// reset wholesale so tests cannot see each other's sessions or subscribers.
func setupCores(t *testing.T) *database.User {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}, &database.Setting{}, &database.AIUsageDay{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db

	config.Cfg.JWTSecret = "handlers-test-secret"
	config.Cfg.EncryptionKey = ""
	config.Cfg.SSHDialTimeout = 5 * time.Second
	config.Cfg.MonitorInterval = time.Second
	if err := auth.Init(); err != nil {
		t.Fatalf("auth init: %v", err)
	}

	Obs = metrics.Nop()
	WSHub = gateway.NewHub(time.Minute)
	Reg = registry.New()
	MonitorHub = monitor.NewHub(Obs)
	AIVault = ai.NewVault("handlers-test-key")
	AIPipeline = ai.NewPipeline(AIVault, ai.NewLimiter(ai.LimiterConfig{}), ai.NewClient(5*time.Second), Obs)

	hash, err := auth.HashPassword("secret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &database.User{Username: "alice", PasswordHash: hash, Role: "admin"}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// dialWS serves the handler behind a test server with the user already
// authenticated and returns a dialed client socket.
func dialWS(t *testing.T, h http.HandlerFunc, user *database.User) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, middleware.WithUserForTest(r, user))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { client.CloseNow() })
	return client
}

func readFrame(client *websocket.Conn, timeout time.Duration) (gateway.Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, b, err := client.Read(ctx)
	if err != nil {
		return gateway.Frame{}, err
	}
	var f gateway.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return gateway.Frame{}, err
	}
	return f, nil
}

func writeFrame(t *testing.T, client *websocket.Conn, f gateway.Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal %s frame: %v", f.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s frame: %v", f.Type, err)
	}
}

// awaitType reads frames until one of the wanted type arrives, skipping
// everything else.
func awaitType(t *testing.T, client *websocket.Conn, frameType string, timeout time.Duration) gateway.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for time.Now().Before(deadline) {
		f, err := readFrame(client, time.Until(deadline))
		if err != nil {
			t.Fatalf("waiting for %q frame: %v (saw %v)", frameType, err, seen)
		}
		if f.Type == frameType {
			return f
		}
		seen = append(seen, f.Type)
	}
	t.Fatalf("timeout waiting for %q frame, saw %v", frameType, seen)
	return gateway.Frame{}
}

func frameData(t *testing.T, f gateway.Frame) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(f.Data, &m); err != nil {
		t.Fatalf("decode %s data: %v", f.Type, err)
	}
	return m
}

// doJSON invokes an HTTP handler directly with an optional JSON body and an
// optional pre-authenticated user.
func doJSON(t *testing.T, h http.HandlerFunc, user *database.User, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req = middleware.WithUserForTest(req, user)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return m
}
