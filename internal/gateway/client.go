package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hkuds/sandboxd/internal/terminal"
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a client for the gateway at serverURL, for example
// http://127.0.0.1:3001/api.
func NewClient(serverURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", serverURL)
	}

	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Health calls the health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Spawn starts a container for challengeID. An empty image selects the
// server default.
func (c *Client) Spawn(ctx context.Context, challengeID, image string) (*SpawnResponse, error) {
	var resp SpawnResponse
	req := SpawnRequest{ChallengeID: challengeID, Image: image}
	if err := c.do(ctx, http.MethodPost, "/containers", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Terminate stops and removes a container.
func (c *Client) Terminate(ctx context.Context, containerID string) error {
	return c.do(ctx, http.MethodPost, "/containers/terminate", ContainerRequest{ContainerID: containerID}, &Response{})
}

// Reset restarts a container in place.
func (c *Client) Reset(ctx context.Context, containerID string) error {
	return c.do(ctx, http.MethodPost, "/containers/reset", ContainerRequest{ContainerID: containerID}, &Response{})
}

// List returns the registered containers.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/containers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp Response
		_ = json.Unmarshal(data, &errResp)
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// TerminalConn is a client-side terminal WebSocket.
type TerminalConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// DialTerminal opens the terminal WebSocket.
func (c *Client) DialTerminal(ctx context.Context) (*TerminalConn, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/terminal"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial terminal: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial terminal: %w", err)
	}
	return &TerminalConn{conn: conn}, nil
}

// Send writes one event. It is safe for concurrent use.
func (t *TerminalConn) Send(ev terminal.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Attach asks the server to attach this connection to containerID.
func (t *TerminalConn) Attach(containerID string) error {
	return t.Send(terminal.Event{Name: terminal.EventAttach, ContainerID: containerID})
}

// Input sends keystrokes.
func (t *TerminalConn) Input(data string) error {
	return t.Send(terminal.Event{Name: terminal.EventInput, Data: data})
}

// Resize sends the local terminal size.
func (t *TerminalConn) Resize(rows, cols uint16) error {
	return t.Send(terminal.Event{Name: terminal.EventResize, Rows: rows, Cols: cols})
}

// Recv blocks for the next server event. Only one goroutine may call it.
func (t *TerminalConn) Recv() (terminal.Event, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return terminal.Event{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return terminal.DecodeEvent(data)
	}
}

// SetReadDeadline bounds the next Recv.
func (t *TerminalConn) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

// Close sends a close frame and closes the socket.
func (t *TerminalConn) Close() error {
	t.mu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}
