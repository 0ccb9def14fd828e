package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	workerIDPrefix  = "wrk_"
	sessionIDPrefix = "sess_"
)

var (
	workerIDPattern  = regexp.MustCompile(`^wrk_[a-zA-Z0-9]{24}$`)
	sessionIDPattern = regexp.MustCompile(`^sess_[a-zA-Z0-9]{24}$`)
)

// NewWorkerID generates a new worker ID with the "wrk_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewWorkerID() string {
	return workerIDPrefix + randomAlphanumeric(idLength)
}

// NewSessionID generates a new session ID with the "sess_" prefix. It is
// used when a caller does not supply its own session identifier.
func NewSessionID() string {
	return sessionIDPrefix + randomAlphanumeric(idLength)
}

// ValidateWorkerID checks whether the given string is a valid worker ID
// (matches "wrk_" + 24 alphanumeric characters).
func ValidateWorkerID(id string) bool {
	return workerIDPattern.MatchString(id)
}

// ValidateSessionID checks whether the given string is a generated session ID.
func ValidateSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
