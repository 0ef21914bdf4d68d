package sshsession

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/shan-hee/easyssh/internal/config"
	"github.com/shan-hee/easyssh/internal/crypto"
)

// Outbound frame types on the ssh path.
const (
	FrameConnected    = "connected"
	FrameData         = "data"
	FrameLatency      = "latency"
	FrameConnectError = "connectError"
	FrameDisconnected = "disconnected"
	FramePong         = "pong"
)

// Error codes carried by connectError frames.
const (
	CodeInvalidRequest      = "InvalidRequest"
	CodeAuthFailure         = "AuthFailure"
	CodeUpstreamUnreachable = "UpstreamUnreachable"
	CodeUpstreamClosed      = "UpstreamClosed"
	CodeTimeout             = "Timeout"
	CodeInternal            = "Internal"
	CodeKeepaliveLost       = "keepaliveLost"
)

// Classify maps an Open error to a wire error code.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "parse private key"),
		strings.Contains(msg, "decrypt credential"):
		return CodeAuthFailure
	case strings.Contains(msg, "dial "):
		return CodeUpstreamUnreachable
	case strings.Contains(msg, "handshake "):
		return CodeUpstreamUnreachable
	}
	return CodeInternal
}

// resolveSecret turns a wire credential into plaintext bytes. Values in the
// encrypted:<iv>:<tag>:<ct> form are decrypted with the server credential
// key; anything else is taken verbatim.
func resolveSecret(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	if !crypto.IsEncrypted(v) {
		return []byte(v), nil
	}
	pt, err := crypto.Decrypt(v, config.Cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return []byte(pt), nil
}

// scrub zeroes credential buffers. Safe on nil slices.
func scrub(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
	}
}
