package sshsession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shan-hee/easyssh/internal/config"
	"github.com/shan-hee/easyssh/internal/crypto"
)

func validParams() *Params {
	return &Params{
		Host:     "example.com",
		Port:     22,
		Username: "alice",
		AuthType: AuthPassword,
		Password: "secret",
		Cols:     80,
		Rows:     24,
	}
}

func TestParamsValidate_Hosts(t *testing.T) {
	valid := []string{"localhost", "192.168.1.1", "example.com", "host-1.sub.domain.io", "::1", "10.0.0.5"}
	for _, h := range valid {
		p := validParams()
		p.Host = h
		if err := p.Validate(); err != nil {
			t.Errorf("Validate rejected host %q: %v", h, err)
		}
	}

	invalid := []string{"", "bad_host!", "-bad.com", "a..b", "host with spaces"}
	for _, h := range invalid {
		p := validParams()
		p.Host = h
		if err := p.Validate(); err == nil {
			t.Errorf("Validate accepted host %q", h)
		}
	}
}

func TestParamsValidate_Port(t *testing.T) {
	p := validParams()
	p.Port = 0
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate with port 0: %v", err)
	}
	if p.Port != 22 {
		t.Errorf("port 0 should default to 22, got %d", p.Port)
	}

	for _, port := range []int{-1, 65536, 100000} {
		p := validParams()
		p.Port = port
		if err := p.Validate(); err == nil {
			t.Errorf("Validate accepted port %d", port)
		}
	}
}

func TestParamsValidate_Auth(t *testing.T) {
	p := validParams()
	p.Password = ""
	if err := p.Validate(); err == nil {
		t.Error("password auth without password should fail")
	}

	p = validParams()
	p.AuthType = AuthKey
	p.PrivateKey = ""
	if err := p.Validate(); err == nil {
		t.Error("key auth without privateKey should fail")
	}

	p = validParams()
	p.AuthType = "agent"
	if err := p.Validate(); err == nil {
		t.Error("unknown authType should fail")
	}

	p = validParams()
	p.Username = ""
	if err := p.Validate(); err == nil {
		t.Error("missing username should fail")
	}
}

func TestParamsValidate_GeometryClamps(t *testing.T) {
	p := validParams()
	p.Cols, p.Rows = 0, 0
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Cols != DefaultCols || p.Rows != DefaultRows {
		t.Errorf("zero geometry should default to %dx%d, got %dx%d", DefaultCols, DefaultRows, p.Cols, p.Rows)
	}

	p = validParams()
	p.Cols, p.Rows = 9999, 9999
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Cols != MaxCols || p.Rows != MaxRows {
		t.Errorf("oversized geometry should clamp to %dx%d, got %dx%d", MaxCols, MaxRows, p.Cols, p.Rows)
	}
}

func TestKeepAliveInterval(t *testing.T) {
	cases := []struct {
		seconds int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{-5, 30 * time.Second},
		{1, 5 * time.Second},
		{60, time.Minute},
		{86400, 5 * time.Minute},
	}
	for _, c := range cases {
		p := validParams()
		p.KeepAlive = c.seconds
		if got := p.KeepAliveInterval(); got != c.want {
			t.Errorf("KeepAliveInterval(%d) = %v, want %v", c.seconds, got, c.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, CodeTimeout},
		{fmt.Errorf("dial 1.2.3.4:22: %w", errors.New("connection refused")), CodeUpstreamUnreachable},
		{errors.New("handshake 1.2.3.4:22: ssh: unable to authenticate, attempted methods [none password]"), CodeAuthFailure},
		{errors.New("parse private key: ssh: no key found"), CodeAuthFailure},
		{errors.New("decrypt credential: crypto: malformed encrypted value"), CodeAuthFailure},
		{errors.New("something odd"), CodeInternal},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestDataFrame_UTF8(t *testing.T) {
	f := dataFrame([]byte("hello world"))
	if f.Type != FrameData {
		t.Fatalf("type = %q", f.Type)
	}
	if f.Encoding != "" {
		t.Errorf("utf8 chunk should not be base64 flagged, got %q", f.Encoding)
	}
	b, err := DecodeDataPayload(f.Payload, f.Encoding)
	if err != nil {
		t.Fatalf("DecodeDataPayload: %v", err)
	}
	if string(b) != "hello world" {
		t.Errorf("round trip = %q", b)
	}
}

func TestDataFrame_Binary(t *testing.T) {
	raw := []byte{0xff, 0xfe, 0x00, 0x41}
	f := dataFrame(raw)
	if f.Encoding != "base64" {
		t.Fatalf("binary chunk should be base64 flagged, got %q", f.Encoding)
	}
	b, err := DecodeDataPayload(f.Payload, f.Encoding)
	if err != nil {
		t.Fatalf("DecodeDataPayload: %v", err)
	}
	if !bytes.Equal(b, raw) {
		t.Errorf("round trip = %v, want %v", b, raw)
	}
}

func TestDecodeDataPayload_Invalid(t *testing.T) {
	if _, err := DecodeDataPayload([]byte(`{"not":"a string"}`), ""); err == nil {
		t.Error("object payload should be rejected")
	}
	if _, err := DecodeDataPayload([]byte(`"not base64!"`), "base64"); err == nil {
		t.Error("bad base64 should be rejected")
	}
}

func TestResolveSecret(t *testing.T) {
	config.Cfg.EncryptionKey = "unit-test-credential-key"

	b, err := resolveSecret("plain-password")
	if err != nil {
		t.Fatalf("resolveSecret plaintext: %v", err)
	}
	if string(b) != "plain-password" {
		t.Errorf("plaintext should pass through, got %q", b)
	}

	enc, err := crypto.Encrypt("s3cret", config.Cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err = resolveSecret(enc)
	if err != nil {
		t.Fatalf("resolveSecret encrypted: %v", err)
	}
	if string(b) != "s3cret" {
		t.Errorf("decrypted = %q, want s3cret", b)
	}

	if _, err := resolveSecret("encrypted:junk"); err == nil {
		t.Error("malformed encrypted value should fail")
	}

	b, err = resolveSecret("")
	if err != nil || b != nil {
		t.Errorf("empty secret should be nil, got %q err %v", b, err)
	}
}

func TestScrub(t *testing.T) {
	b := []byte("sensitive")
	scrub(b, nil)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}
