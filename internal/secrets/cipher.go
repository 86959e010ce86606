// Package secrets encrypts stored credential material with RSA-OAEP (SHA-256).
// The public key alone is enough to encrypt, so write-only processes never
// need to hold the private key.
package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingPublicKey  = errors.New("encryption public key is not configured")
	ErrMissingPrivateKey = errors.New("encryption private key is not configured")
	ErrDecrypt           = errors.New("failed to decrypt secret")
)

// Cipher holds whichever halves of the keypair were configured.
type Cipher struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// NewCipher parses PEM-encoded keys. Either may be empty; the matching
// operation then fails with a configuration error.
func NewCipher(publicPEM, privatePEM string) (*Cipher, error) {
	c := &Cipher{}
	if strings.TrimSpace(publicPEM) != "" {
		pub, err := parsePublicKey(publicPEM)
		if err != nil {
			return nil, err
		}
		c.public = pub
	}
	if strings.TrimSpace(privatePEM) != "" {
		priv, err := parsePrivateKey(privatePEM)
		if err != nil {
			return nil, err
		}
		c.private = priv
		if c.public == nil {
			c.public = &priv.PublicKey
		}
	}
	return c, nil
}

// Encrypt returns URL-safe base64 ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil || c.public == nil {
		return "", ErrMissingPublicKey
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.public, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(out), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if c == nil || c.private == nil {
		return "", ErrMissingPrivateKey
	}
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	out, err := rsa.DecryptOAEP(sha256.New(), nil, c.private, raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(out), nil
}

// CanEncrypt reports whether a public key is loaded.
func (c *Cipher) CanEncrypt() bool { return c != nil && c.public != nil }

// CanDecrypt reports whether a private key is loaded.
func (c *Cipher) CanDecrypt() bool { return c != nil && c.private != nil }

// normalizePEM accepts keys pasted into env vars with literal "\n" sequences.
func normalizePEM(raw string) []byte {
	return []byte(strings.ReplaceAll(strings.TrimSpace(raw), `\n`, "\n"))
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(normalizePEM(raw))
	if block == nil {
		return nil, errors.New("invalid public key PEM")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(normalizePEM(raw))
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return priv, nil
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return priv, nil
}
