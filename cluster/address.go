package cluster

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/quty-io/quty-server/errors"
)

// Address is a normalized peer endpoint. The canonical key is "ip:port".
type Address struct {
	Proto string
	IP    string
	Port  int
}

// Key returns the canonical "ip:port" form used in the connection maps.
func (a Address) Key() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// URL returns the dialable endpoint for the given upgrade path.
func (a Address) URL(path string) string {
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s:%d%s", a.Proto, a.IP, a.Port, path)
}

// ParseAddress normalizes the tolerated address shapes: "ip", "ip:port",
// "ws://ip:port", or a map with ip/port keys (from discovery fetch
// payloads). Missing parts fall back to proto "ws" and defaultPort.
func ParseAddress(raw any, defaultPort int) (Address, error) {
	addr := Address{Proto: "ws", Port: defaultPort}

	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return addr, errors.WrapInvalid(errors.ErrInvalidData, "cluster", "ParseAddress", "empty address")
		}
		if strings.Contains(s, "://") {
			u, err := url.Parse(s)
			if err != nil {
				return addr, errors.WrapInvalid(err, "cluster", "ParseAddress", "parse URL")
			}
			if u.Scheme == "ws" || u.Scheme == "wss" {
				addr.Proto = u.Scheme
			}
			addr.IP = u.Hostname()
			if p := u.Port(); p != "" {
				port, err := strconv.Atoi(p)
				if err != nil {
					return addr, errors.WrapInvalid(err, "cluster", "ParseAddress", "parse port")
				}
				addr.Port = port
			}
		} else if host, portStr, err := splitHostPort(s); err == nil {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return addr, errors.WrapInvalid(err, "cluster", "ParseAddress", "parse port")
			}
			addr.IP = host
			addr.Port = port
		} else {
			addr.IP = s
		}

	case map[string]any:
		ip, _ := v["ip"].(string)
		if ip == "" {
			return addr, errors.WrapInvalid(errors.ErrInvalidData, "cluster", "ParseAddress", "missing ip")
		}
		addr.IP = ip
		switch p := v["port"].(type) {
		case float64:
			if p > 0 {
				addr.Port = int(p)
			}
		case int:
			if p > 0 {
				addr.Port = p
			}
		case string:
			port, err := strconv.Atoi(p)
			if err != nil {
				return addr, errors.WrapInvalid(err, "cluster", "ParseAddress", "parse port")
			}
			addr.Port = port
		}

	default:
		return addr, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported address type %T", errors.ErrInvalidData, raw),
			"cluster", "ParseAddress", "inspect shape")
	}

	if addr.IP == "" {
		return addr, errors.WrapInvalid(errors.ErrInvalidData, "cluster", "ParseAddress", "empty host")
	}
	if addr.Port < 1 || addr.Port > 65535 {
		return addr, errors.WrapInvalid(
			fmt.Errorf("%w: port %d", errors.ErrInvalidData, addr.Port),
			"cluster", "ParseAddress", "check port")
	}
	return addr, nil
}

// splitHostPort splits "host:port" without tolerating bare IPv6 hosts;
// cluster addresses are IPv4 or hostnames.
func splitHostPort(s string) (string, string, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("no port in %q", s)
	}
	if strings.Contains(s[:idx], ":") {
		return "", "", fmt.Errorf("too many colons in %q", s)
	}
	return s[:idx], s[idx+1:], nil
}
