// Package token creates and verifies the signed opaque credentials used
// on the cluster port.
//
// A token is "<base64url(JSON)>-<base64(HMAC-SHA256(base64url(JSON), secret))>".
// The signature segment is omitted when no secret is configured. The
// payload alphabet (base64url) may itself contain '-', so the split is on
// the last '-'; the standard-base64 signature alphabet never contains one.
//
// Reserved payload fields: _v (envelope version, 1), _t (type tag),
// _e (expiry, epoch milliseconds), _i (issuer/session id).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quty-io/quty-server/errors"
)

// Version is the envelope version this package produces and accepts.
const Version = 1

// Type tags a token with its role on the cluster port.
type Type int

const (
	// TypeNone matches any type during verification.
	TypeNone Type = 0
	// TypeClusterPeer marks node-to-node credentials.
	TypeClusterPeer Type = 1
	// TypePublisher marks send-only clients of the cluster.
	TypePublisher Type = 2
)

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeClusterPeer:
		return "cluster-peer"
	case TypePublisher:
		return "publisher"
	case TypeNone:
		return "any"
	default:
		return "unknown"
	}
}

// CreateOptions configures token creation.
type CreateOptions struct {
	// Type is the token's role tag.
	Type Type
	// Secret signs the token when non-empty.
	Secret string
	// ID becomes the issuer field _i when non-empty.
	ID string
	// Expire sets an absolute expiry. Zero means no expiry unless TTL is set.
	Expire time.Time
	// TTL sets expiry relative to now when Expire is zero.
	TTL time.Duration
}

// VerifyOptions configures token verification.
type VerifyOptions struct {
	// Type, when not TypeNone, must match the token's _t.
	Type Type
	// Secret, when non-empty, must validate the signature.
	Secret string
}

// Claims is a verified token: its reserved fields plus the caller data
// with reserved fields stripped.
type Claims struct {
	Type   Type
	Issuer string
	Expiry time.Time
	Data   map[string]any
}

// Create builds a signed token carrying data plus the reserved fields.
// The data map is not mutated.
func Create(data map[string]any, opts CreateOptions) (string, error) {
	payload := make(map[string]any, len(data)+4)
	for k, v := range data {
		payload[k] = v
	}

	payload["_v"] = Version
	payload["_t"] = int(opts.Type)
	if opts.ID != "" {
		payload["_i"] = opts.ID
	}
	expire := opts.Expire
	if expire.IsZero() && opts.TTL > 0 {
		expire = time.Now().Add(opts.TTL)
	}
	if !expire.IsZero() {
		payload["_e"] = expire.UnixMilli()
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", errors.WrapInvalid(err, "Token", "Create", "marshal payload")
	}

	body := base64.RawURLEncoding.EncodeToString(encoded)
	if opts.Secret == "" {
		return body, nil
	}
	return body + "-" + sign(body, opts.Secret), nil
}

// Verify validates a token and returns its claims. It fails with an
// invalid-class error on version mismatch, expiry in the past, type
// mismatch when opts.Type is set, signature mismatch when opts.Secret is
// set, or structural parse failure.
func Verify(tok string, opts VerifyOptions) (*Claims, error) {
	if tok == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidToken, "Token", "Verify", "empty token")
	}

	body := tok
	signature := ""
	if idx := strings.LastIndexByte(tok, '-'); idx >= 0 {
		body, signature = tok[:idx], tok[idx+1:]
	}

	if opts.Secret != "" {
		if signature == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: missing signature", errors.ErrBadSignature),
				"Token", "Verify", "check signature")
		}
		expected := sign(body, opts.Secret)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			return nil, errors.WrapInvalid(errors.ErrBadSignature, "Token", "Verify", "check signature")
		}
	}

	// The payload alphabet contains '-', so an unsigned token can look
	// split-able. When no secret is configured, try the whole string
	// first and fall back to the stripped body.
	candidates := []string{body}
	if opts.Secret == "" && signature != "" {
		candidates = []string{tok, body}
	}

	var payload map[string]any
	var parseErr error
	for _, candidate := range candidates {
		decoded, err := base64.RawURLEncoding.DecodeString(candidate)
		if err != nil {
			parseErr = err
			continue
		}
		var p map[string]any
		if err := json.Unmarshal(decoded, &p); err != nil {
			parseErr = err
			continue
		}
		payload = p
		parseErr = nil
		break
	}
	if payload == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidToken, parseErr),
			"Token", "Verify", "parse payload")
	}

	version, ok := payload["_v"].(float64)
	if !ok || int(version) != Version {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: version %v", errors.ErrInvalidToken, payload["_v"]),
			"Token", "Verify", "check version")
	}

	claims := &Claims{Data: payload}

	if t, ok := payload["_t"].(float64); ok {
		claims.Type = Type(int(t))
	}
	if issuer, ok := payload["_i"].(string); ok {
		claims.Issuer = issuer
	}
	if e, ok := payload["_e"].(float64); ok {
		claims.Expiry = time.UnixMilli(int64(e))
		if time.Now().After(claims.Expiry) {
			return nil, errors.WrapInvalid(errors.ErrTokenExpired, "Token", "Verify", "check expiry")
		}
	}

	if opts.Type != TypeNone && claims.Type != opts.Type {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: got %s, want %s", errors.ErrTokenType, claims.Type, opts.Type),
			"Token", "Verify", "check type")
	}

	for _, reserved := range []string{"_v", "_t", "_e", "_i"} {
		delete(payload, reserved)
	}

	return claims, nil
}

// sign computes the standard-base64 HMAC-SHA256 of body under secret.
func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
