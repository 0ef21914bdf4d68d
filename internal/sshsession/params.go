package sshsession

import (
	"fmt"
	"net"
	"regexp"
	"time"
)

// AuthType selects how the remote accepts the user.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Terminal geometry bounds. Requests beyond these are clamped, not rejected;
// browsers occasionally report absurd sizes mid-layout.
const (
	MaxCols = 500
	MaxRows = 500

	DefaultCols = 80
	DefaultRows = 24
)

const (
	minKeepAlive     = 5 * time.Second
	maxKeepAlive     = 5 * time.Minute
	defaultKeepAlive = 30 * time.Second
)

// hostPattern accepts FQDNs (letters, digits, hyphens per label, dot
// separated). IP literals are checked with net.ParseIP before this runs.
var hostPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// Params is the payload of a connect frame. Credential fields may arrive
// either as plaintext or in the encrypted:<iv>:<tag>:<ct> transport form.
type Params struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthType   string `json:"authType"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
	KeepAlive  int    `json:"keepAlive,omitempty"` // seconds
}

// Validate checks addressability and credentials, then normalizes geometry
// and the keepalive interval in place.
func (p *Params) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("host is required")
	}
	if !validHost(p.Host) {
		return fmt.Errorf("invalid host %q", p.Host)
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	if p.Username == "" {
		return fmt.Errorf("username is required")
	}
	switch p.AuthType {
	case AuthPassword:
		if p.Password == "" {
			return fmt.Errorf("password is required for password auth")
		}
	case AuthKey:
		if p.PrivateKey == "" {
			return fmt.Errorf("privateKey is required for key auth")
		}
	default:
		return fmt.Errorf("unsupported authType %q", p.AuthType)
	}

	p.Cols = clampDim(p.Cols, DefaultCols, MaxCols)
	p.Rows = clampDim(p.Rows, DefaultRows, MaxRows)
	return nil
}

// KeepAliveInterval returns the requested interval clamped to sane bounds.
func (p *Params) KeepAliveInterval() time.Duration {
	if p.KeepAlive <= 0 {
		return defaultKeepAlive
	}
	d := time.Duration(p.KeepAlive) * time.Second
	if d < minKeepAlive {
		return minKeepAlive
	}
	if d > maxKeepAlive {
		return maxKeepAlive
	}
	return d
}

func validHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return len(host) <= 253 && hostPattern.MatchString(host)
}

func clampDim(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
