package ai

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxContextLines = 200
	maxContextBytes = 32 * 1024

	// cacheKeyChars bounds how much terminal output feeds the cache key.
	cacheKeyChars = 1000
)

// TerminalContext is the trimmed, annotated terminal state that rides along
// with a chat request.
type TerminalContext struct {
	TerminalOutput  string `json:"terminalOutput"`
	CurrentInput    string `json:"currentInput"`
	OSHint          string `json:"osHint"`
	ShellHint       string `json:"shellHint"`
	ErrorDetected   bool   `json:"errorDetected"`
	CommandType     string `json:"commandType"`
	RiskLevel       string `json:"riskLevel"`
	CacheKey        string `json:"cacheKey"`
	SecurityWarning string `json:"securityWarning,omitempty"`
}

// BuildContext trims the terminal output and extracts the hints the model
// needs to answer shell questions sensibly.
func BuildContext(terminalOutput, currentInput string) TerminalContext {
	out := TrimOutput(terminalOutput)
	c := TerminalContext{
		TerminalOutput: out,
		CurrentInput:   currentInput,
		OSHint:         osHint(out),
		ShellHint:      shellHint(out),
		ErrorDetected:  errorDetected(out),
		CommandType:    commandType(currentInput),
		RiskLevel:      riskLevel(currentInput),
	}
	c.CacheKey = cacheKey(out, currentInput, c.OSHint, c.ShellHint)
	return c
}

// TrimOutput keeps the last maxContextLines lines, then the last
// maxContextBytes bytes without splitting a UTF-8 sequence.
func TrimOutput(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) > maxContextLines {
		lines = lines[len(lines)-maxContextLines:]
	}
	s = strings.Join(lines, "\n")
	if len(s) <= maxContextBytes {
		return s
	}
	cut := len(s) - maxContextBytes
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func osHint(out string) string {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "linux"), strings.Contains(lower, "ubuntu"),
		strings.Contains(lower, "debian"), strings.Contains(lower, "centos"),
		strings.Contains(lower, "fedora"), strings.Contains(lower, "alpine"):
		return "linux"
	case strings.Contains(lower, "darwin"), strings.Contains(lower, "macos"),
		strings.Contains(lower, "mac os"):
		return "darwin"
	case strings.Contains(lower, "windows"), strings.Contains(lower, `c:\`):
		return "windows"
	}
	return "unknown"
}

// shellHint recognizes explicit shell tokens first, then falls back to the
// prompt suffix of the last non-empty line: "$" bourne-style, "%" zsh, ">"
// cmd.
func shellHint(out string) string {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "#!/bin/bash"), strings.Contains(lower, "bash"):
		return "bash"
	case strings.Contains(lower, "#!/bin/zsh"), strings.Contains(lower, "zsh"):
		return "zsh"
	case strings.Contains(lower, "fish"):
		return "fish"
	case strings.Contains(lower, "powershell"), strings.Contains(lower, "ps1>"):
		return "powershell"
	case strings.Contains(lower, "cmd.exe"):
		return "cmd"
	}

	last := lastNonEmptyLine(out)
	switch {
	case strings.HasSuffix(last, "$"):
		return "bash"
	case strings.HasSuffix(last, "%"):
		return "zsh"
	case strings.HasSuffix(last, ">"):
		return "cmd"
	}
	return "unknown"
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var errorMarkers = []string{
	"error", "command not found", "permission denied", "no such file",
	"segmentation fault", "cannot ", "failed",
}

func errorDetected(out string) bool {
	lower := strings.ToLower(out)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

var commandTypes = map[string]string{
	"docker": "docker", "docker-compose": "docker", "podman": "docker",
	"git": "git",
	"node": "nodejs", "npm": "nodejs", "npx": "nodejs", "yarn": "nodejs", "pnpm": "nodejs",
	"python": "python", "python3": "python", "pip": "python", "pip3": "python",
	"mysql": "database", "psql": "database", "mongo": "database", "mongosh": "database",
	"redis-cli": "database", "sqlite3": "database",
	"curl": "network", "wget": "network", "ping": "network", "ssh": "network",
	"netstat": "network", "ss": "network", "dig": "network", "nslookup": "network",
	"traceroute": "network",
	"systemctl": "system", "service": "system", "journalctl": "system",
	"top": "system", "htop": "system", "ps": "system", "df": "system",
	"du": "system", "free": "system", "uname": "system",
}

func commandType(input string) string {
	fields := strings.Fields(strings.ToLower(input))
	for _, f := range fields {
		if f == "sudo" {
			continue
		}
		if t, ok := commandTypes[f]; ok {
			return t
		}
		break
	}
	return "general"
}

// rmTargetRe captures the flag block and the absolute target of an rm.
var rmTargetRe = regexp.MustCompile(`(?i)\brm\s+((?:-[a-z]+\s+)+)(/\S*)`)

var safeDeleteRoots = []string{"/home", "/tmp", "/var/tmp"}

var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\s`),
	regexp.MustCompile(`(?i)\bdd\s+if=\S+\s+of=/dev/[sh]d`),
	regexp.MustCompile(`(?i)\bshutdown\s+-[hr]\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
	regexp.MustCompile(`(?i)\binit\s+[06]\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), // fork bomb
}

var mediumRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bchmod\s+777\b`),
	regexp.MustCompile(`(?i)\bchown\b`),
	regexp.MustCompile(`(?i)\biptables\b`),
	regexp.MustCompile(`(?i)\bfirewall`),
}

// riskLevel classifies the command being asked about. A recursive forced rm
// against an absolute path is high risk unless the target lives under a
// user-writable root.
func riskLevel(command string) string {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return "low"
	}

	if m := rmTargetRe.FindStringSubmatch(cmd); m != nil {
		flags := strings.ToLower(m[1])
		if strings.Contains(flags, "r") && strings.Contains(flags, "f") && !underSafeRoot(m[2]) {
			return "high"
		}
	}
	for _, re := range highRiskPatterns {
		if re.MatchString(cmd) {
			return "high"
		}
	}
	for _, re := range mediumRiskPatterns {
		if re.MatchString(cmd) {
			return "medium"
		}
	}
	return "low"
}

func underSafeRoot(path string) bool {
	for _, root := range safeDeleteRoots {
		if strings.HasPrefix(path, root) {
			return true
		}
	}
	return false
}

// cacheKey fingerprints a prompt for server-side caching: the head of the
// terminal output plus the input and environment hints.
func cacheKey(out, input, osHint, shellHint string) string {
	head := firstChars(out, cacheKeyChars)
	sum := md5.Sum([]byte(head + "\x00" + input + "\x00" + osHint + "\x00" + shellHint))
	return hex.EncodeToString(sum[:])
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
