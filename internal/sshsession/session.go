// Package sshsession owns the lifecycle of one interactive SSH session bound
// to one websocket: dial, auth, PTY, the remote-to-client pump, keepalive,
// resize, and teardown. Client-to-remote traffic arrives through Write from
// the websocket read loop.
package sshsession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/shan-hee/easyssh/internal/config"
	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/metrics"
	"github.com/shan-hee/easyssh/internal/registry"
)

// State tracks the linear session lifecycle. Failures before open go straight
// to closed; from open the only way out is through closing.
type State int32

const (
	StateDialing State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const keepaliveMaxMisses = 3

// Session is one live SSH connection proxied to a websocket.
type Session struct {
	ID       string
	ConnID   uint64
	UserID   uint
	Host     string
	Port     int
	Username string

	conn *gateway.Conn
	reg  *registry.Registry
	obs  *metrics.Observer

	client *ssh.Client
	term   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	ctx    context.Context
	cancel context.CancelFunc

	state    int32
	endOnce  sync.Once
	onClosed func(*Session)

	keepAliveEvery time.Duration
}

// New prepares a session bound to the websocket connection. onClosed runs
// once after teardown completes; callers use it to release attachments such
// as monitoring collectors.
func New(parent context.Context, conn *gateway.Conn, reg *registry.Registry, obs *metrics.Observer, onClosed func(*Session)) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:       uuid.New().String(),
		ConnID:   conn.ID(),
		conn:     conn,
		reg:      reg,
		obs:      obs,
		ctx:      ctx,
		cancel:   cancel,
		onClosed: onClosed,
		UserID:   conn.UserID,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Done is closed once teardown has started.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is the session's cancellation scope. Attachments such as monitoring
// collectors run their tasks under it so teardown always proceeds session-out.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Client exposes the underlying SSH client for attachments (monitoring
// probes). Nil until the session is open.
func (s *Session) Client() *ssh.Client {
	return s.client
}

// Open dials the remote, authenticates, allocates a PTY and starts the
// output pump, keepalive and waiter tasks. Params must be validated.
// Credentials are decrypted just in time and scrubbed once the handshake
// resolves; the caller's Params still hold whatever transport form arrived
// on the wire and must not be logged.
func (s *Session) Open(p *Params) error {
	s.Host = p.Host
	s.Port = p.Port
	s.Username = p.Username
	s.keepAliveEvery = p.KeepAliveInterval()

	s.setState(StateDialing)

	password, err := resolveSecret(p.Password)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("decrypt credential: %w", err)
	}
	key, err := resolveSecret(p.PrivateKey)
	if err != nil {
		scrub(password)
		s.setState(StateClosed)
		return fmt.Errorf("decrypt credential: %w", err)
	}
	passphrase, err := resolveSecret(p.Passphrase)
	if err != nil {
		scrub(password, key)
		s.setState(StateClosed)
		return fmt.Errorf("decrypt credential: %w", err)
	}
	defer scrub(password, key, passphrase)

	auth, err := authMethods(p.AuthType, password, key, passphrase)
	if err != nil {
		s.setState(StateClosed)
		return err
	}

	clientCfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.Cfg.SSHDialTimeout,
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	dialer := &net.Dialer{Timeout: config.Cfg.SSHDialTimeout}
	netConn, err := dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	s.setState(StateAuthenticating)
	s.reg.Register(s.ConnID, s.ID, s.UserID, p.Host, p.Port,
		p.Host,
		addr,
		p.Username+"@"+p.Host,
	)

	_ = netConn.SetDeadline(time.Now().Add(config.Cfg.SSHDialTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		s.reg.Remove(s.ConnID)
		s.setState(StateClosed)
		return fmt.Errorf("handshake %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	scrub(password, key, passphrase)

	client := ssh.NewClient(sshConn, chans, reqs)

	term, err := client.NewSession()
	if err != nil {
		client.Close()
		s.reg.Remove(s.ConnID)
		s.setState(StateClosed)
		return fmt.Errorf("open channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := term.RequestPty("xterm-256color", p.Rows, p.Cols, modes); err != nil {
		term.Close()
		client.Close()
		s.reg.Remove(s.ConnID)
		s.setState(StateClosed)
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := term.StdinPipe()
	if err != nil {
		term.Close()
		client.Close()
		s.reg.Remove(s.ConnID)
		s.setState(StateClosed)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := term.StdoutPipe()
	if err != nil {
		term.Close()
		client.Close()
		s.reg.Remove(s.ConnID)
		s.setState(StateClosed)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := term.Shell(); err != nil {
		term.Close()
		client.Close()
		s.reg.Remove(s.ConnID)
		s.setState(StateClosed)
		return fmt.Errorf("start shell: %w", err)
	}

	s.client = client
	s.term = term
	s.stdin = stdin
	s.stdout = stdout
	s.setState(StateOpen)
	s.obs.SSHOpened()

	go s.outputPump()
	go s.keepaliveLoop()
	go s.waiter()

	log.Printf("[ssh] session %s open: %s@%s conn=%d", s.ID, p.Username, addr, s.ConnID)

	return s.conn.Send(s.ctx, gateway.DataFrame(FrameConnected, map[string]interface{}{
		"sessionId": s.ID,
		"host":      p.Host,
		"port":      p.Port,
		"username":  p.Username,
	}))
}

// Write forwards client bytes to the PTY unmodified.
func (s *Session) Write(b []byte) error {
	if s.State() != StateOpen {
		return fmt.Errorf("session %s is %s", s.ID, s.State())
	}
	_, err := s.stdin.Write(b)
	return err
}

// Resize changes the PTY window. Ignored once the session left open state.
func (s *Session) Resize(cols, rows int) {
	if s.State() != StateOpen {
		return
	}
	cols = clampDim(cols, DefaultCols, MaxCols)
	rows = clampDim(rows, DefaultRows, MaxRows)
	if err := s.term.WindowChange(rows, cols); err != nil {
		log.Printf("[ssh] session %s resize failed: %v", s.ID, err)
	}
}

// Disconnect ends the session on client request.
func (s *Session) Disconnect() {
	s.shutdown("", "")
}

// outputPump reads remote output in bounded chunks and forwards each as a
// data frame. Send blocks when the socket queue is full, which in turn stops
// the next remote read; terminal bytes are never dropped.
func (s *Session) outputPump() {
	buf := make([]byte, gateway.MaxChunk)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			if sendErr := s.conn.Send(s.ctx, dataFrame(buf[:n])); sendErr != nil {
				// Client socket gone; nothing left to surface it to.
				s.shutdown("", "")
				return
			}
		}
		if err != nil {
			s.shutdown("", "")
			return
		}
	}
}

// keepaliveLoop sends a numbered keepalive request every interval and
// reports round-trip latency. Three consecutive failures declare the remote
// lost.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.keepAliveEvery)
	defer ticker.Stop()

	var seq uint64
	misses := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			seq++
			start := time.Now()
			_, _, err := s.client.SendRequest("keepalive@openssh.com", true, []byte(strconv.FormatUint(seq, 10)))
			if err != nil {
				misses++
				log.Printf("[ssh] session %s keepalive #%d failed (%d/%d): %v", s.ID, seq, misses, keepaliveMaxMisses, err)
				if misses >= keepaliveMaxMisses {
					s.shutdown(CodeKeepaliveLost, "remote stopped answering keepalives")
					return
				}
				continue
			}
			misses = 0
			rtt := time.Since(start)
			s.obs.KeepaliveLatency(rtt)
			// Latency is advisory; never block the keepalive loop on a
			// slow client.
			s.conn.TrySend(gateway.DataFrame(FrameLatency, map[string]int64{"ms": rtt.Milliseconds()}))
		}
	}
}

// waiter watches for the remote shell exiting on its own.
func (s *Session) waiter() {
	err := s.term.Wait()
	if err == nil {
		s.shutdown("", "")
		return
	}
	if _, exited := err.(*ssh.ExitError); exited {
		// Shell exited with a status; still a clean disconnect.
		s.shutdown("", "")
		return
	}
	select {
	case <-s.ctx.Done():
		// Teardown already in progress; Wait just observed it.
		s.shutdown("", "")
	default:
		s.shutdown(CodeUpstreamClosed, "remote connection lost")
	}
}

// shutdown runs teardown exactly once: SSH channel first, then the
// websocket. A non-empty code emits a connectError frame before the final
// disconnected frame.
func (s *Session) shutdown(code, message string) {
	s.endOnce.Do(func() {
		wasOpen := s.State() == StateOpen
		s.setState(StateClosing)
		s.cancel()

		sendCtx, cancelSend := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelSend()

		if code != "" {
			_ = s.conn.Send(sendCtx, gateway.DataFrame(FrameConnectError, map[string]string{
				"code":    code,
				"message": message,
			}))
		}

		if s.term != nil {
			s.term.Close()
		}
		if s.client != nil {
			s.client.Close()
		}
		s.setState(StateClosed)

		if wasOpen || code != "" {
			_ = s.conn.Send(sendCtx, gateway.NewFrame(FrameDisconnected))
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")

		s.reg.Remove(s.ConnID)
		if wasOpen {
			s.obs.SSHClosed()
		}
		if s.onClosed != nil {
			s.onClosed(s)
		}
		log.Printf("[ssh] session %s closed (%s@%s:%d)", s.ID, s.Username, s.Host, s.Port)
	})
}

// dataFrame wraps remote output. Chunks that are not valid UTF-8 travel
// base64 encoded so JSON transport cannot mangle them.
func dataFrame(b []byte) gateway.Frame {
	if utf8.Valid(b) {
		payload, _ := json.Marshal(string(b))
		return gateway.Frame{Type: FrameData, Payload: payload}
	}
	payload, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return gateway.Frame{Type: FrameData, Payload: payload, Encoding: "base64"}
}

// DecodeDataPayload reverses dataFrame for client input frames.
func DecodeDataPayload(payload json.RawMessage, encoding string) ([]byte, error) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		return nil, fmt.Errorf("data payload must be a string: %w", err)
	}
	if encoding == "base64" {
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("decode base64 payload: %w", err)
		}
		return b, nil
	}
	return []byte(text), nil
}

func authMethods(authType string, password, key, passphrase []byte) ([]ssh.AuthMethod, error) {
	switch authType {
	case AuthPassword:
		pw := string(password)
		return []ssh.AuthMethod{
			ssh.Password(pw),
			// Some servers only offer keyboard-interactive; answer every
			// prompt with the password.
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, nil
	case AuthKey:
		var signer ssh.Signer
		var err error
		if len(passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("unsupported authType %q", authType)
}
