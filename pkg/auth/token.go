package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/sidkik/zynk/pkg/errors"
)

// Parameters used for new token hashes. Existing hashes carry their own
// parameters.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	saltLength   = 16
	keyLength    = 32
	tokenHashTag = "scrypt"
)

// Mocked for unit testing.
var randRead = rand.Read

// HashToken hashes token for storage in the tokenHash field of the daemon
// config. The format is scrypt$N$r$p$salt$key with base64 salt and key.
func HashToken(token []byte) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := randRead(salt); err != nil {
		return "", errors.WithContext(err, "generate salt")
	}

	key, err := scrypt.Key(token, salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return "", errors.WithContext(err, "hash")
	}

	return fmt.Sprintf("%s$%d$%d$%d$%s$%s", tokenHashTag, scryptN, scryptR, scryptP,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyToken returns whether token matches hash. An error is only returned
// if hash is malformed.
func VerifyToken(hash string, token []byte) (bool, error) {
	parsed, err := parseTokenHash(hash)
	if err != nil {
		return false, err
	}

	key, err := scrypt.Key(token, parsed.salt, parsed.n, parsed.r, parsed.p,
		len(parsed.key))
	if err != nil {
		return false, errors.WithContext(err, "hash")
	}
	return subtle.ConstantTimeCompare(key, parsed.key) == 1, nil
}

type tokenHash struct {
	n, r, p   int
	salt, key []byte
}

func parseTokenHash(hash string) (tokenHash, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != tokenHashTag {
		return tokenHash{}, errors.New("malformed token hash")
	}

	var parsed tokenHash
	var err error
	for i, dst := range []*int{&parsed.n, &parsed.r, &parsed.p} {
		*dst, err = strconv.Atoi(parts[i+1])
		if err != nil || *dst <= 0 {
			return tokenHash{}, errors.New("malformed token hash parameter %q",
				parts[i+1])
		}
	}

	parsed.salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return tokenHash{}, errors.WithContext(err, "decode salt")
	}

	parsed.key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return tokenHash{}, errors.WithContext(err, "decode key")
	}
	if len(parsed.key) == 0 {
		return tokenHash{}, errors.New("malformed token hash: empty key")
	}
	return parsed, nil
}
