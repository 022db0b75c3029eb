// Package wire implements the frame codec used on every quty socket,
// node-to-node and publisher-to-node alike.
//
// A frame is the text payload "<event>|<body>". The event tag is a short
// ASCII string containing no '|'. The body is empty, a raw string, or a
// JSON value whose root is an object or array. Object bodies carry an
// advisory send sequence number in the reserved field "_q"; the decoder
// strips it into Frame.Seq.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/quty-io/quty-server/errors"
)

// seqCounter numbers outgoing object frames for tracing. Process-wide and
// monotonic; receivers treat it as advisory only.
var seqCounter atomic.Uint64

// Frame is one decoded wire frame.
type Frame struct {
	// Event is the tag before the first '|'.
	Event string
	// Seq is the sender's advisory sequence number, 0 when absent.
	Seq uint64
	// Data holds the decoded body: a string for raw or empty bodies,
	// map[string]any or []any for JSON bodies.
	Data any
	// Raw is the undecoded body bytes, kept so typed payloads can be
	// unmarshaled without a second trip through Data.
	Raw []byte
}

// Bind unmarshals a JSON frame body into v. Unknown fields, including the
// spliced "_q", are ignored by encoding/json.
func (f *Frame) Bind(v any) error {
	if len(f.Raw) == 0 {
		return errors.WrapInvalid(errors.ErrMalformedFrame, "wire", "Bind", "empty body")
	}
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err),
			"wire", "Bind", "decode body")
	}
	return nil
}

// Encode builds the wire bytes for an event and payload.
//
// A nil payload produces an empty body. Strings and []byte pass through
// raw. Everything else is JSON-marshaled; when the marshaled root is an
// object, the next sequence number is spliced in as "_q".
func Encode(event string, data any) ([]byte, error) {
	if event == "" || strings.ContainsRune(event, '|') {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: bad event tag %q", errors.ErrInvalidData, event),
			"wire", "Encode", "validate event")
	}

	var body []byte
	switch v := data.(type) {
	case nil:
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WrapInvalid(err, "wire", "Encode", "marshal payload")
		}
		body = spliceSeq(encoded)
	}

	out := make([]byte, 0, len(event)+1+len(body))
	out = append(out, event...)
	out = append(out, '|')
	out = append(out, body...)
	return out, nil
}

// spliceSeq injects `"_q":<n>` right after the opening brace of an object
// body. Arrays and scalars are returned untouched.
func spliceSeq(body []byte) []byte {
	if len(body) < 2 || body[0] != '{' {
		return body
	}
	n := seqCounter.Add(1)
	if bytes.Equal(body, []byte("{}")) {
		return []byte(fmt.Sprintf(`{"_q":%d}`, n))
	}
	out := make([]byte, 0, len(body)+16)
	out = append(out, '{')
	out = append(out, fmt.Sprintf(`"_q":%d,`, n)...)
	out = append(out, body[1:]...)
	return out
}

// Decode parses wire bytes into a Frame. The split is on the first '|'
// only; anything after it belongs to the body. Bodies opening with '{' or
// '[' must parse as JSON or the frame is malformed; all other bodies
// decode as raw strings, the empty body as "".
func Decode(b []byte) (Frame, error) {
	idx := bytes.IndexByte(b, '|')
	if idx <= 0 {
		return Frame{}, errors.WrapInvalid(
			fmt.Errorf("%w: missing event separator", errors.ErrMalformedFrame),
			"wire", "Decode", "split frame")
	}

	frame := Frame{
		Event: string(b[:idx]),
		Raw:   b[idx+1:],
	}
	body := frame.Raw

	if len(body) == 0 {
		frame.Data = ""
		return frame, nil
	}

	if body[0] != '{' && body[0] != '[' {
		frame.Data = string(body)
		return frame, nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Frame{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err),
			"wire", "Decode", "parse body")
	}

	if obj, ok := decoded.(map[string]any); ok {
		if q, ok := obj["_q"].(float64); ok {
			frame.Seq = uint64(q)
			delete(obj, "_q")
		}
	}
	frame.Data = decoded
	return frame, nil
}
