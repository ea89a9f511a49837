package services_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/models"
	"community-wager-backend/internal/services"
)

func newTestCodec(t *testing.T, secret string) *services.Codec {
	t.Helper()
	codec, err := services.NewCodec(secret, 1000)
	require.NoError(t, err)
	return codec
}

func TestCodecRoundTrip(t *testing.T) {
	codec := newTestCodec(t, testSecret)

	env, err := codec.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.Len(t, env.Salt, 16)
	assert.Equal(t, 1000, env.Iterations)

	plain, err := codec.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestCodecEnvelopesDifferForSameInput(t *testing.T) {
	codec := newTestCodec(t, testSecret)

	a, err := codec.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := codec.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestCodecRejectsTamperingAndWrongSecret(t *testing.T) {
	codec := newTestCodec(t, testSecret)
	env, err := codec.Encrypt([]byte("payload"))
	require.NoError(t, err)

	var de *services.DecryptionError

	tampered := *env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	_, err = codec.Decrypt(&tampered)
	assert.ErrorAs(t, err, &de)

	truncated := *env
	truncated.Ciphertext = env.Ciphertext[:len(env.Ciphertext)-4]
	_, err = codec.Decrypt(&truncated)
	assert.ErrorAs(t, err, &de)

	badSalt := *env
	badSalt.Salt = env.Salt[:8]
	_, err = codec.Decrypt(&badSalt)
	assert.ErrorAs(t, err, &de)

	badIter := *env
	badIter.Iterations = 10
	_, err = codec.Decrypt(&badIter)
	assert.ErrorAs(t, err, &de)

	_, err = newTestCodec(t, "another-secret").Decrypt(env)
	assert.ErrorAs(t, err, &de)
}

func TestCodecChallengeRoundTrip(t *testing.T) {
	codec := newTestCodec(t, testSecret)
	score := 42.5
	c := &models.Challenge{
		ID:              "c1",
		ChallengerID:    "alice",
		ChallengedID:    "bob",
		GameRef:         "tetris",
		GameTitle:       "Tetris",
		BetAmount:       100,
		Status:          models.ChallengeStatusAccepted,
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ExpiresAt:       time.Date(2026, 1, 3, 3, 4, 5, 0, time.UTC),
		ChallengerScore: &score,
	}

	data, err := codec.EncryptChallenge(c)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "tetris")

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Contains(t, env, "salt")
	assert.Contains(t, env, "iv")
	assert.Contains(t, env, "ct")

	got, err := codec.DecryptChallenge(data)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Status, got.Status)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.ChallengerScore)
	assert.Equal(t, 42.5, *got.ChallengerScore)

	_, err = codec.DecryptChallenge([]byte("not json"))
	var de *services.DecryptionError
	assert.ErrorAs(t, err, &de)
}

func TestNewCodecValidation(t *testing.T) {
	_, err := services.NewCodec("", 1000)
	assert.Error(t, err)
	_, err = services.NewCodec("secret", 999)
	assert.Error(t, err)
}
