package session

import (
	"fmt"
	"net/url"
)

// DefaultControlPath is the well-known path of the node control channel.
const DefaultControlPath = "/api/nodes/ws"

// ChannelURL derives the websocket URL for the control channel.
//
// If channelURL is set it wins: its scheme is normalized (http -> ws,
// https -> wss) and its path defaults to the control path when unset.
// Otherwise the URL is derived from apiBase, forcing wss only when the API
// base is secure. In development, localhost-ish hostnames are rewritten to
// the explicit loopback address to avoid resolver ambiguity.
func ChannelURL(channelURL, apiBase string, dev bool) (string, error) {
	raw := channelURL
	if raw == "" {
		raw = apiBase
	}
	if raw == "" {
		return "", fmt.Errorf("no channel URL or API base configured")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid channel URL %q: %w", raw, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// already a websocket URL
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		return "", fmt.Errorf("channel URL %q has no scheme", raw)
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if channelURL == "" {
		// Derived from the API base: replace whatever path the base had.
		u.Path = DefaultControlPath
	} else if u.Path == "" || u.Path == "/" {
		u.Path = DefaultControlPath
	}

	if dev {
		host := u.Hostname()
		if host == "localhost" || host == "::1" {
			port := u.Port()
			if port != "" {
				u.Host = "127.0.0.1:" + port
			} else {
				u.Host = "127.0.0.1"
			}
		}
	}

	return u.String(), nil
}

// WithToken attaches the bearer token as the `token` query parameter.
// Tokens travel only in the connection URL, never in message bodies.
func WithToken(wsURL, token string) (string, error) {
	if token == "" {
		return wsURL, nil
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
