// Package randid generates random identifiers: alphanumeric ids and node
// identities. All entropy comes from
// crypto/rand; a broken random source is reported, never papered over.
package randid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/quty-io/quty-server/errors"
)

// alphabet is the fixed 62-character set identifiers are drawn from.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// New returns n characters from the alphanumeric alphabet, each picked by
// a random byte modulo 62, so the first eight letters are slightly more
// likely than the rest. It fails with ErrRngUnavailable when the system random
// source cannot be read.
func New(n int) (string, error) {
	if n <= 0 {
		return "", errors.WrapInvalid(
			fmt.Errorf("length must be positive, got %d", n),
			"randid", "New", "validate length")
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrRngUnavailable, err),
			"randid", "New", "read random source")
	}

	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// MustNew is New for boot-time identifiers, where an unusable random
// source is fatal.
func MustNew(n int) string {
	id, err := New(n)
	if err != nil {
		panic(err)
	}
	return id
}

// hexChars returns n random lowercase hex characters.
func hexChars(n int) (string, error) {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrRngUnavailable, err),
			"randid", "hexChars", "read random source")
	}
	return hex.EncodeToString(buf)[:n], nil
}

// NodeID builds a node identity of the form
// <namespace>-<typeTag>-<4 random hex chars><last 4 digits of unix millis>.
// The identity is unique per process lifetime and stable until restart.
func NodeID(namespace string, typeTag int, now time.Time) (string, error) {
	random, err := hexChars(4)
	if err != nil {
		return "", err
	}
	millis := fmt.Sprintf("%d", now.UnixMilli())
	tail := millis[len(millis)-4:]
	return fmt.Sprintf("%s-%d-%s%s", namespace, typeTag, random, tail), nil
}
