// Package crypto implements the symmetric encryption used for credentials.
//
// Two layers exist. Vault encryption (Encrypt/Decrypt) protects API keys and
// SSH credentials on the wire and in the settings store: AES-256-GCM with a
// key derived from an operator secret via scrypt, serialized as
// "encrypted:<iv-hex>:<tag-hex>:<ct-hex>". At-rest encryption
// (EncryptAtRest/DecryptAtRest) protects generated server-side secrets in
// sqlite using a fernet key that is created on first use and persisted in
// the settings table.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/scrypt"

	"github.com/shan-hee/easyssh/internal/database"
)

const (
	// encryptedPrefix marks vault ciphertext. A stored value is treated as
	// encrypted iff it carries this prefix; see IsEncrypted.
	encryptedPrefix = "encrypted:"

	// vaultSalt is the fixed scrypt salt for vault key derivation.
	vaultSalt = "easyssh-salt"

	// ivSize is the GCM nonce length in bytes. 16 rather than the GCM
	// default of 12 to stay wire-compatible with existing stored blobs.
	ivSize = 16

	tagSize = 16
)

// scrypt cost parameters (N, r, p) with a 32-byte output key.
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

var (
	ErrNotEncrypted = errors.New("crypto: value is not in encrypted form")
	ErrMalformed    = errors.New("crypto: malformed or legacy ciphertext")
)

// derivedKeys caches scrypt outputs keyed by secret; a derivation costs
// ~16 MB and tens of milliseconds.
var derivedKeys sync.Map

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty encryption secret")
	}
	if k, ok := derivedKeys.Load(secret); ok {
		return k.([]byte), nil
	}
	key, err := scrypt.Key([]byte(secret), []byte(vaultSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	derivedKeys.Store(secret, key)
	return key, nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from secret
// and returns the wire form "encrypted:<iv-hex>:<tag-hex>:<ct-hex>".
func Encrypt(plaintext, secret string) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return encryptedPrefix + hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Values without the "encrypted:" prefix return
// ErrNotEncrypted; prefixed values that do not parse as the three-part AEAD
// form (including any legacy non-AEAD blobs) return ErrMalformed. A wrong
// key surfaces as a GCM authentication failure.
func Decrypt(value, secret string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypted
	}

	parts := strings.Split(strings.TrimPrefix(value, encryptedPrefix), ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrMalformed
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value is vault ciphertext. The check
// is a plaintext prefix match: a literal value that happens to start with
// "encrypted:" would be misread, which is accepted behavior.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

// Mask renders a secret for logs: first 4 and last 4 characters kept, the
// middle replaced by at least 4 asterisks. Secrets of 8 characters or fewer
// are fully masked.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "****"
	}
	stars := len(value) - 8
	if stars < 4 {
		stars = 4
	}
	return value[:4] + strings.Repeat("*", stars) + value[len(value)-4:]
}

// atRestKey returns the fernet key for at-rest secrets, generating and
// persisting one on first use.
func atRestKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(0, "fernet-key")
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(0, "fernet-key", k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// EncryptAtRest seals a server-generated secret for sqlite storage.
func EncryptAtRest(plaintext string) (string, error) {
	key, err := atRestKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt at rest: %w", err)
	}
	return string(tok), nil
}

// DecryptAtRest reverses EncryptAtRest. Tokens never expire.
func DecryptAtRest(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := atRestKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", errors.New("decrypt at rest: invalid token")
	}
	return string(msg), nil
}
