package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/state"
)

// Backend is the data source for the console UI.
type Backend interface {
	Servers() ([]state.ServerStatus, error)
	Control(serverID, action string) error
	OpenConsole(serverID string) (*Console, error)
}

// RemoteBackend talks to a panel over its HTTP API and UI websocket.
type RemoteBackend struct {
	BaseURL string
	Client  *http.Client
}

func NewRemoteBackend(baseURL string) *RemoteBackend {
	return &RemoteBackend{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *RemoteBackend) Servers() ([]state.ServerStatus, error) {
	resp, err := b.Client.Get(b.BaseURL + "/api/servers")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("panel returned %s", resp.Status)
	}

	var servers []state.ServerStatus
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, err
	}
	return servers, nil
}

func (b *RemoteBackend) Control(serverID, action string) error {
	body, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return err
	}
	resp, err := b.Client.Post(
		b.BaseURL+"/api/servers/"+url.PathEscape(serverID)+"/command",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("panel returned %s", resp.Status)
	}
	return nil
}

// Console is a live UI channel subscribed to one server.
type Console struct {
	ServerID string
	Events   <-chan protocol.Envelope

	conn *websocket.Conn
	done chan struct{}
}

// OpenConsole dials the UI websocket and subscribes to the server.
func (b *RemoteBackend) OpenConsole(serverID string) (*Console, error) {
	wsURL, err := uiChannelURL(b.BaseURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot reach panel at %s: %w", wsURL, err)
	}

	sub, err := protocol.Encode(protocol.Subscribe{ServerID: serverID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return nil, err
	}

	events := make(chan protocol.Envelope, 256)
	c := &Console{
		ServerID: serverID,
		Events:   events,
		conn:     conn,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(events)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			select {
			case events <- env:
			case <-c.done:
				return
			}
		}
	}()

	return c, nil
}

// Send forwards one line of operator input to the server's stdin.
func (c *Console) Send(input string) error {
	frame, err := protocol.Encode(protocol.ConsoleInput{
		ServerID: c.ServerID,
		Input:    input,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Control sends a lifecycle command over the console channel.
func (c *Console) Control(action protocol.ControlAction) error {
	frame, err := protocol.Encode(protocol.ServerControl{
		Action:   action,
		ServerID: c.ServerID,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Console) Close() {
	close(c.done)
	c.conn.Close()
}

// uiChannelURL rewrites the panel base URL to the UI websocket endpoint.
func uiChannelURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid panel URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/ws"
	u.RawQuery = ""
	return u.String(), nil
}
