package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// Category selects the work factor for a new verifier.
type Category int

const (
	// CategoryUser is the standard cost for end-user accounts.
	CategoryUser Category = iota
	// CategoryAdmin doubles the work factor for elevated accounts.
	CategoryAdmin
)

const (
	schemePrefix = "$pbkdf2-sha256$"
	saltLen      = 16
	keyLen       = 32

	userRounds  = 80000
	adminRounds = 160000
)

func (c Category) baseRounds() int {
	if c == CategoryAdmin {
		return adminRounds
	}
	return userRounds
}

// randomRounds returns the category base varied by up to ±10%, so captured
// verifiers do not reveal a uniform work factor.
func randomRounds(c Category) (int, error) {
	base := c.baseRounds()
	spread := base / 5 // full ±10% range
	n, err := rand.Int(rand.Reader, big.NewInt(int64(spread+1)))
	if err != nil {
		return 0, err
	}
	return base - spread/2 + int(n.Int64()), nil
}

// Hash derives a password verifier in modular crypt form:
//
//	$pbkdf2-sha256$rounds=N$<b64 salt>$<b64 key>
//
// The scheme prefix is what Verify dispatches on, so the KDF can be upgraded
// later without re-issuing existing verifiers.
func Hash(plaintext string, category Category) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	rounds, err := randomRounds(category)
	if err != nil {
		return "", fmt.Errorf("rounds: %w", err)
	}

	key := pbkdf2.Key([]byte(plaintext), salt, rounds, keyLen, sha256.New)

	return fmt.Sprintf("%srounds=%d$%s$%s",
		schemePrefix,
		rounds,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches the stored verifier. Legacy
// bcrypt verifiers remain accepted; anything unrecognized fails closed.
func Verify(plaintext, verifier string) bool {
	switch {
	case strings.HasPrefix(verifier, schemePrefix):
		return verifyPBKDF2(plaintext, verifier)
	case strings.HasPrefix(verifier, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(verifier), []byte(plaintext)) == nil
	default:
		return false
	}
}

func verifyPBKDF2(plaintext, verifier string) bool {
	rest := strings.TrimPrefix(verifier, schemePrefix)
	parts := strings.Split(rest, "$")
	if len(parts) != 3 {
		return false
	}

	roundsStr, ok := strings.CutPrefix(parts[0], "rounds=")
	if !ok {
		return false
	}
	rounds, err := strconv.Atoi(roundsStr)
	if err != nil || rounds < 1 {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}

	got := pbkdf2.Key([]byte(plaintext), salt, rounds, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
