// Package errors provides standardized error handling for the quty
// cluster fabric.
//
// Errors fall into three classes:
//
//   - transient: dial failures, lost connections, timeouts. The caller may
//     retry; the discovery ticker and reconnect timers do so automatically.
//   - invalid: bad tokens, malformed frames, bad input. Retrying without
//     changing the input will not help.
//   - fatal: conditions under which the process cannot usefully continue,
//     such as an unusable random source or invalid configuration at boot.
//
// Components wrap errors with their identity and the failing operation:
//
//	return errors.WrapInvalid(err, "Token", "Verify", "decode payload")
//
// which yields "Token.Verify: decode payload failed: ..." and classifies
// the result so callers can branch on errors.IsTransient / IsInvalid /
// IsFatal without string matching.
//
// Sentinel variables (ErrAuthFailed, ErrHandshakeTimeout, ErrDuplicatePeer,
// ...) cover every failure kind the fabric distinguishes; use errors.Is
// against them at decision points.
package errors
