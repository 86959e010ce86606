package oauthstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TTL bounds how long an issued state token is accepted
const TTL = 600 * time.Second

var (
	ErrMalformed        = errors.New("invalid state")
	ErrInvalidSignature = errors.New("invalid state signature")
	ErrExpired          = errors.New("state expired")
	ErrMissingSecret    = errors.New("state signing secret is not configured")
)

// Payload is the context carried through the provider redirect
type Payload struct {
	CompanyID    int64  `json:"company_id"`
	UserID       int64  `json:"user_id"`
	Environment  string `json:"environment"`
	Nonce        string `json:"nonce"`
	ReturnURL    string `json:"return_url,omitempty"`
	IncludeWrite bool   `json:"include_write"`
}

type envelope struct {
	Data Payload `json:"data"`
	TS   int64   `json:"ts"`
}

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Create encodes the payload with its issue time and appends a hex HMAC-SHA256
func (s *Signer) Create(p Payload, now time.Time) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrMissingSecret
	}
	raw, err := json.Marshal(envelope{Data: p, TS: now.Unix()})
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw) + "." + s.sign(raw), nil
}

func (s *Signer) Verify(token string, now time.Time) (*Payload, error) {
	if len(s.secret) == 0 {
		return nil, ErrMissingSecret
	}
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, ErrMalformed
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	if !hmac.Equal([]byte(s.sign(raw)), []byte(sig)) {
		return nil, ErrInvalidSignature
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	if now.Unix()-env.TS > int64(TTL/time.Second) {
		return nil, ErrExpired
	}
	return &env.Data, nil
}

func (s *Signer) sign(raw []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
