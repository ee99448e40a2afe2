package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	version  = "v1"
	hkdfInfo = "social-publisher/token-vault/v1"
)

var (
	ErrMalformed  = errors.New("malformed token envelope")
	ErrUnknownKey = errors.New("token sealed with unknown key")
	ErrDecrypt    = errors.New("token authentication failed")
	ErrNoKey      = errors.New("empty encryption key")
)

// EncryptedToken is a sealed credential as stored at rest.
// The empty value means "no token".
type EncryptedToken string

func (t EncryptedToken) IsZero() bool { return t == "" }

// KeyID reports which key sealed the token, or "" if the envelope is unreadable.
func (t EncryptedToken) KeyID() string {
	parts := strings.SplitN(string(t), ".", 3)
	if len(parts) != 3 || parts[0] != version {
		return ""
	}
	return parts[1]
}

func (t EncryptedToken) String() string {
	if t == "" {
		return ""
	}
	return version + "." + t.KeyID() + ".[sealed]"
}

// Reveal decrypts the token. Every failure is a corrupted credential.
func (t EncryptedToken) Reveal(k *Keyring) (string, error) {
	const op = "vault.Reveal"
	if t == "" {
		return "", nil
	}

	parts := strings.SplitN(string(t), ".", 3)
	if len(parts) != 3 || parts[0] != version {
		return "", apperr.Wrap(apperr.KindCorruptedCredential, op, "malformed envelope", ErrMalformed)
	}

	aead, ok := k.keys[parts[1]]
	if !ok {
		return "", apperr.Wrap(apperr.KindCorruptedCredential, op, "unknown key "+parts[1], ErrUnknownKey)
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", apperr.Wrap(apperr.KindCorruptedCredential, op, "malformed ciphertext", ErrMalformed)
	}

	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(version+"."+parts[1]))
	if err != nil {
		return "", apperr.Wrap(apperr.KindCorruptedCredential, op, "decryption failed", ErrDecrypt)
	}
	return string(pt), nil
}

// Scan lets sqlx read nullable token columns.
func (t *EncryptedToken) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = ""
	case string:
		*t = EncryptedToken(v)
	case []byte:
		*t = EncryptedToken(v)
	default:
		return fmt.Errorf("vault: cannot scan %T into EncryptedToken", src)
	}
	return nil
}

func (t EncryptedToken) Value() (driver.Value, error) {
	if t == "" {
		return nil, nil
	}
	return string(t), nil
}

// Keyring seals with the current key and opens with any known key.
type Keyring struct {
	current string
	keys    map[string]cipher.AEAD
}

// NewKeyring derives XChaCha20-Poly1305 keys from the given secrets.
// previous secrets stay readable so rotation can re-seal old rows.
func NewKeyring(current string, previous ...string) (*Keyring, error) {
	if strings.TrimSpace(current) == "" {
		return nil, ErrNoKey
	}

	k := &Keyring{keys: make(map[string]cipher.AEAD, 1+len(previous))}
	id, err := k.add(current)
	if err != nil {
		return nil, err
	}
	k.current = id

	for _, p := range previous {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := k.add(p); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *Keyring) add(secret string) (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	sum := sha256.Sum256(key)
	id := hex.EncodeToString(sum[:4])

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	k.keys[id] = aead
	return id, nil
}

func (k *Keyring) CurrentKeyID() string { return k.current }

func (k *Keyring) Has(keyID string) bool {
	_, ok := k.keys[keyID]
	return ok
}

// Seal encrypts plaintext with the current key. Empty input yields the empty token.
func (k *Keyring) Seal(plaintext string) (EncryptedToken, error) {
	if plaintext == "" {
		return "", nil
	}

	aead := k.keys[k.current]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(version+"."+k.current))
	return EncryptedToken(version + "." + k.current + "." + base64.RawURLEncoding.EncodeToString(out)), nil
}

// Reseal re-encrypts t under target, opening it with k.
func (k *Keyring) Reseal(t EncryptedToken, target *Keyring) (EncryptedToken, error) {
	if t == "" {
		return "", nil
	}
	pt, err := t.Reveal(k)
	if err != nil {
		return "", err
	}
	return target.Seal(pt)
}
