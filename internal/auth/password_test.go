package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func randomPassword(t *testing.T) string {
	t.Helper()
	b := make([]byte, 12)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return hex.EncodeToString(b)
}

func TestPasswordHasher_RoundTrip(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)

	samples := 10000
	if testing.Short() {
		samples = 25
	}

	for i := 0; i < samples; i++ {
		password := randomPassword(t)
		other := randomPassword(t)

		hash, err := hasher.Hash(password)
		require.NoError(t, err)
		assert.NotContains(t, hash, password)

		assert.True(t, hasher.Verify(password, hash))
		assert.False(t, hasher.Verify(other, hash), "false positive for sample %d", i)
	}
}

func TestPasswordHasher_SaltedHashes(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)

	first, err := hasher.Hash("pw12345")
	require.NoError(t, err)
	second, err := hasher.Hash("pw12345")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestPasswordHasher_DefaultCost(t *testing.T) {
	hasher := NewPasswordHasher(0)
	assert.Equal(t, DefaultPasswordCost, hasher.cost)

	hasher = NewPasswordHasher(bcrypt.MaxCost + 1)
	assert.Equal(t, DefaultPasswordCost, hasher.cost)
}

func TestPasswordHasher_FailsClosed(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)

	assert.False(t, hasher.Verify("pw12345", ""))
	assert.False(t, hasher.Verify("pw12345", "not-a-bcrypt-hash"))
	assert.False(t, hasher.Verify("pw12345", "$2a$04$short"))
	assert.False(t, hasher.Verify(strings.Repeat("a", MaxPasswordBytes+1), "$2a$04$abcdefghijklmnopqrstuu"))
}

func TestPasswordHasher_RejectsLongPassword(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)

	_, err := hasher.Hash(strings.Repeat("x", MaxPasswordBytes+1))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}
