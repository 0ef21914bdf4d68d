// Package ai implements the request pipeline behind the /ai socket: the
// credential vault, per-user rate limiting, sensitive-content redaction,
// terminal context building, and the upstream chat completion client.
package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shan-hee/easyssh/internal/crypto"
	"github.com/shan-hee/easyssh/internal/database"
)

const (
	// settingsCategory keys the durable config blob in the settings store.
	settingsCategory = "ai-config"

	// sessionTTL bounds how long a session-only config stays usable.
	sessionTTL = time.Hour
)

// ErrNotConfigured is returned when a user has no stored API configuration.
var ErrNotConfigured = errors.New("ai: no API configuration for user")

// ApiConfig is a user's upstream endpoint configuration. Timeout is in
// seconds; zero means the server default.
type ApiConfig struct {
	Provider    string  `json:"provider"`
	BaseURL     string  `json:"baseUrl"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	Timeout     int     `json:"timeout"`
	APIKey      string  `json:"apiKey"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`
}

// Masked returns a copy with the API key reduced to its loggable form.
func (c ApiConfig) Masked() ApiConfig {
	c.APIKey = crypto.Mask(c.APIKey)
	return c
}

// vaultEntry is one cached config. Durable entries hold the encrypted wire
// form so plaintext keys never sit in memory longer than a request; session
// entries hold plaintext JSON and expire.
type vaultEntry struct {
	blob      string
	durable   bool
	expiresAt time.Time
}

// Vault stores per-user AI API configuration. Session configs live in the
// in-memory cache only and expire after an hour. Durable configs are
// encrypted with the AI vault key and mirrored to the settings store; a read
// miss falls back to the store and promotes the blob back into the cache.
type Vault struct {
	mu      sync.Mutex
	entries map[uint]vaultEntry
	secret  string
	now     func() time.Time
}

// NewVault builds a vault around the AI_ENCRYPTION_KEY secret.
func NewVault(secret string) *Vault {
	return &Vault{
		entries: make(map[uint]vaultEntry),
		secret:  secret,
		now:     time.Now,
	}
}

// Save stores the user's config. Durable configs are encrypted and written
// through to the settings store; session configs stay in memory with a TTL.
func (v *Vault) Save(userID uint, cfg ApiConfig, durable bool) error {
	cfg.UpdatedAt = time.Now().UnixMilli()
	if cfg.CreatedAt == 0 {
		cfg.CreatedAt = cfg.UpdatedAt
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal ai config: %w", err)
	}

	entry := vaultEntry{blob: string(raw)}
	if durable {
		enc, err := crypto.Encrypt(string(raw), v.secret)
		if err != nil {
			return fmt.Errorf("encrypt ai config: %w", err)
		}
		if err := database.SetSetting(userID, settingsCategory, enc); err != nil {
			return fmt.Errorf("persist ai config: %w", err)
		}
		entry = vaultEntry{blob: enc, durable: true}
	} else {
		entry.expiresAt = v.now().Add(sessionTTL)
	}

	v.mu.Lock()
	v.entries[userID] = entry
	v.mu.Unlock()

	log.Printf("[ai] config saved for user %d (durable=%v, key=%s)", userID, durable, crypto.Mask(cfg.APIKey))
	return nil
}

// Get returns the user's config, falling back to the settings store when the
// cache misses and promoting the stored blob on a hit.
func (v *Vault) Get(userID uint) (ApiConfig, error) {
	v.mu.Lock()
	entry, ok := v.entries[userID]
	if ok && !entry.durable && v.now().After(entry.expiresAt) {
		delete(v.entries, userID)
		ok = false
	}
	v.mu.Unlock()

	if !ok {
		stored, err := database.GetSetting(userID, settingsCategory)
		if err != nil {
			return ApiConfig{}, ErrNotConfigured
		}
		entry = vaultEntry{blob: stored, durable: true}
		v.mu.Lock()
		v.entries[userID] = entry
		v.mu.Unlock()
	}

	return v.decode(entry)
}

// Delete removes the user's config from the cache and the settings store.
func (v *Vault) Delete(userID uint) error {
	v.mu.Lock()
	delete(v.entries, userID)
	v.mu.Unlock()
	return database.DeleteSetting(userID, settingsCategory)
}

func (v *Vault) decode(entry vaultEntry) (ApiConfig, error) {
	raw := entry.blob
	if crypto.IsEncrypted(raw) {
		plain, err := crypto.Decrypt(raw, v.secret)
		if err != nil {
			return ApiConfig{}, fmt.Errorf("decrypt ai config: %w", err)
		}
		raw = plain
	}
	var cfg ApiConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ApiConfig{}, fmt.Errorf("decode ai config: %w", err)
	}
	return cfg, nil
}
