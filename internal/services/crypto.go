package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/models"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	keySize         = 32

	maxKDFIterations = 5000000
)

var (
	errEnvelopeMalformed = errors.New("malformed envelope")
	errEnvelopeVersion   = errors.New("unsupported envelope version")
)

// Envelope is the at-rest form of an encrypted record. []byte fields are
// base64 in JSON.
type Envelope struct {
	Version    int    `json:"v"`
	Iterations int    `json:"iter"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ct"`
}

// Codec encrypts records with AES-256-GCM under a key derived per call from
// the shared secret and a fresh salt.
type Codec struct {
	secret     []byte
	iterations int
}

func NewCodec(secret string, iterations int) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret must not be empty")
	}
	if iterations < config.MinKDFIterations {
		return nil, fmt.Errorf("kdf iterations must be at least %d", config.MinKDFIterations)
	}
	return &Codec{secret: []byte(secret), iterations: iterations}, nil
}

func (c *Codec) deriveKey(salt []byte, iterations int) []byte {
	return pbkdf2.Key(c.secret, salt, iterations, keySize, sha256.New)
}

func (c *Codec) Encrypt(plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(c.deriveKey(salt, c.iterations))
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	return &Envelope{
		Version:    envelopeVersion,
		Iterations: c.iterations,
		Salt:       salt,
		IV:         iv,
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Decrypt fails with a *DecryptionError on tampered or truncated envelopes
// and on a wrong secret.
func (c *Codec) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil || len(env.Salt) != saltSize || len(env.Ciphertext) == 0 {
		return nil, &DecryptionError{Err: errEnvelopeMalformed}
	}
	if env.Version != envelopeVersion {
		return nil, &DecryptionError{Err: errEnvelopeVersion}
	}
	if env.Iterations < config.MinKDFIterations || env.Iterations > maxKDFIterations {
		return nil, &DecryptionError{Err: errEnvelopeMalformed}
	}

	gcm, err := newGCM(c.deriveKey(env.Salt, env.Iterations))
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	if len(env.IV) != gcm.NonceSize() {
		return nil, &DecryptionError{Err: errEnvelopeMalformed}
	}

	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return plaintext, nil
}

func (c *Codec) EncryptChallenge(ch *models.Challenge) ([]byte, error) {
	plaintext, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge: %w", err)
	}

	env, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	return json.Marshal(env)
}

func (c *Codec) DecryptChallenge(data []byte) (*models.Challenge, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("%w: %v", errEnvelopeMalformed, err)}
	}

	plaintext, err := c.Decrypt(&env)
	if err != nil {
		return nil, err
	}

	var ch models.Challenge
	if err := json.Unmarshal(plaintext, &ch); err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("%w: %v", errEnvelopeMalformed, err)}
	}
	return &ch, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
