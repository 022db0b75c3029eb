// Package netutil provides the small network helpers shared by discovery
// and the cluster fabric: IPv4 hostname resolution and a bounded JSON
// fetch.
package netutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quty-io/quty-server/errors"
)

// DefaultFetchTimeout bounds FetchJSON when the caller's context carries
// no deadline of its own.
const DefaultFetchTimeout = 3 * time.Second

// maxFetchBody caps how much of a discovery response is read.
const maxFetchBody = 1 << 20

// ResolveIPv4 resolves host to its set of IPv4 addresses, deduplicated,
// in resolver order. AAAA records are discarded. Uses the system
// resolver so /etc/hosts and search domains behave as they do for every
// other process on the box.
func ResolveIPv4(ctx context.Context, host string) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s: %v", errors.ErrResolveFailed, host, err),
			"netutil", "ResolveIPv4", "lookup")
	}

	seen := make(map[string]struct{}, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		s := v4.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	if len(out) == 0 {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s: no IPv4 addresses", errors.ErrResolveFailed, host),
			"netutil", "ResolveIPv4", "lookup")
	}
	return out, nil
}

// FetchJSON performs one HTTP(S) request and decodes the JSON response
// body into out. The request fails unless the status is in [200,299] and
// the Content-Type contains "/json". Query parameters are appended to the
// URL; a non-nil body is JSON-encoded.
func FetchJSON(ctx context.Context, method, rawURL string, query url.Values, body, out any) error {
	if rawURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "netutil", "FetchJSON", "empty URL")
	}
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.WrapInvalid(err, "netutil", "FetchJSON", "parse URL")
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFetchTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.WrapInvalid(err, "netutil", "FetchJSON", "encode request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return errors.WrapInvalid(err, "netutil", "FetchJSON", "build request")
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrFetchFailed, err),
			"netutil", "FetchJSON", "execute request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.WrapTransient(
			fmt.Errorf("%w: unexpected status %d", errors.ErrFetchFailed, resp.StatusCode),
			"netutil", "FetchJSON", "check status")
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "/json") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: content-type %q", errors.ErrNotJSON, contentType),
			"netutil", "FetchJSON", "check content type")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return errors.WrapTransient(err, "netutil", "FetchJSON", "read body")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"netutil", "FetchJSON", "decode body")
	}
	return nil
}
