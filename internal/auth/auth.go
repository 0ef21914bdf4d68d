// Package auth issues and verifies the bearer tokens that gate every
// WebSocket upgrade and API endpoint, and hashes user passwords.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/shan-hee/easyssh/internal/config"
	"github.com/shan-hee/easyssh/internal/crypto"
	"github.com/shan-hee/easyssh/internal/database"
)

const (
	BcryptCost    = 12
	TokenDuration = 24 * time.Hour
	tokenIssuer   = "easyssh"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// signingSecret is resolved once by Init.
var signingSecret []byte

// Init resolves the JWT signing secret. It prefers JWT_SECRET from the
// environment; otherwise it loads a previously generated secret from the
// settings store, generating and persisting one (encrypted at rest) the
// first time the server starts without JWT_SECRET configured.
func Init() error {
	if config.Cfg.JWTSecret != "" {
		signingSecret = []byte(config.Cfg.JWTSecret)
		return nil
	}

	stored, err := database.GetSetting(0, "jwt-secret")
	if err == nil {
		plain, decErr := crypto.DecryptAtRest(stored)
		if decErr == nil && plain != "" {
			signingSecret = []byte(plain)
			return nil
		}
		log.Printf("[auth] stored jwt secret unreadable, regenerating: %v", decErr)
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	secret := hex.EncodeToString(b)

	sealed, err := crypto.EncryptAtRest(secret)
	if err != nil {
		return fmt.Errorf("seal jwt secret: %w", err)
	}
	if err := database.SetSetting(0, "jwt-secret", sealed); err != nil {
		return fmt.Errorf("persist jwt secret: %w", err)
	}

	log.Printf("[auth] JWT_SECRET not set, generated one (persisted in settings store)")
	signingSecret = []byte(secret)
	return nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// IssueToken mints a signed bearer token for the user.
func IssueToken(userID uint, username string) (string, error) {
	now := time.Now()
	c := claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenDuration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(signingSecret)
}

// VerifyToken validates a bearer token and returns the user it identifies.
func VerifyToken(token string) (userID uint, username string, err error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return 0, "", ErrInvalidToken
	}

	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidToken
	}
	return uint(id), c.Username, nil
}
