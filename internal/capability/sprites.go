package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SpritesClient is the live implementation of the Sprites capability,
// speaking JSON over HTTPS to the external sprite API.
type SpritesClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger

	// autoWake means the API wakes a sprite on any command, so Wake is
	// emulated with a no-op exec and Sleep is a no-op.
	autoWake bool
}

var _ Sprites = (*SpritesClient)(nil)

// NewSpritesClient creates a live sprites client.
func NewSpritesClient(baseURL, token string, logger *zap.Logger) *SpritesClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpritesClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		autoWake: true,
	}
}

func (c *SpritesClient) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, Errf(CodeInvalidResponse, "encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, Errf(CodeConnectionError, "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, Errf(CodeTimeout, "sprite api: %v", err)
		}
		return nil, Errf(CodeConnectionError, "sprite api: %v", err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *SpritesClient) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Errf(CodeInvalidResponse, "decode sprite api response: %v", err)
	}
	return nil
}

// List returns all sprites.
func (c *SpritesClient) List(ctx context.Context) ([]Sprite, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/sprites", nil)
	if err != nil {
		return nil, err
	}
	var sprites []Sprite
	if err := c.decode(resp, &sprites); err != nil {
		return nil, err
	}
	for i := range sprites {
		sprites[i].State = MapStatus(sprites[i].Status)
	}
	return sprites, nil
}

// Get returns one sprite. The returned State field carries the mapped
// lifecycle state; this is the only authoritative source for observed
// state.
func (c *SpritesClient) Get(ctx context.Context, id string) (*Sprite, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/sprites/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var sprite Sprite
	if err := c.decode(resp, &sprite); err != nil {
		return nil, err
	}
	sprite.State = MapStatus(sprite.Status)
	return &sprite, nil
}

// Create provisions a new sprite.
func (c *SpritesClient) Create(ctx context.Context, id string) (*Sprite, error) {
	resp, err := c.request(ctx, http.MethodPost, "/v1/sprites", map[string]string{"id": id})
	if err != nil {
		return nil, err
	}
	var sprite Sprite
	if err := c.decode(resp, &sprite); err != nil {
		return nil, err
	}
	sprite.State = MapStatus(sprite.Status)
	return &sprite, nil
}

// Delete destroys a sprite.
func (c *SpritesClient) Delete(ctx context.Context, id string) error {
	resp, err := c.request(ctx, http.MethodDelete, "/v1/sprites/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Wake drives a sprite toward running. Against auto-wake APIs any exec
// wakes the machine, so a no-op command is issued; otherwise a status
// update is PUT directly.
func (c *SpritesClient) Wake(ctx context.Context, id string) error {
	if c.autoWake {
		_, err := c.Exec(ctx, id, "true")
		return err
	}
	resp, err := c.request(ctx, http.MethodPut, "/v1/sprites/"+url.PathEscape(id), map[string]string{"status": "running"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Sleep is a no-op: the sprite API hibernates idle machines on its own.
func (c *SpritesClient) Sleep(ctx context.Context, id string) error {
	return nil
}

// Exec runs a one-shot command and returns its result.
func (c *SpritesClient) Exec(ctx context.Context, id, cmd string) (*ExecResult, error) {
	path := fmt.Sprintf("/v1/sprites/%s/exec?cmd=%s", url.PathEscape(id), url.QueryEscape(cmd))
	resp, err := c.request(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	var result ExecResult
	if err := c.decode(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecWS opens a streaming exec session over WebSocket. The caller owns
// the returned stream and must Close it.
func (c *SpritesClient) ExecWS(ctx context.Context, id, cmd string) (ExecStream, error) {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = fmt.Sprintf("%s/v1/sprites/%s/exec?cmd=%s&stream=true",
		wsURL, url.PathEscape(id), url.QueryEscape(cmd))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, FromHTTPStatus(resp.StatusCode, err.Error())
		}
		return nil, Errf(CodeConnectionError, "dial exec session: %v", err)
	}

	stream := newWSStream(conn, c.logger.With(zap.String("sprite", id)))
	go stream.readLoop()
	return stream, nil
}

// FetchLogs returns recent sprite logs.
func (c *SpritesClient) FetchLogs(ctx context.Context, id string) (string, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/sprites/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Errf(CodeInvalidResponse, "read logs: %v", err)
	}
	return string(data), nil
}

// RestoreCheckpoint restores a frozen filesystem checkpoint. Sub-second
// restore is an external contract of the sprite API; restore must
// complete before a paused work item is re-exec'd.
func (c *SpritesClient) RestoreCheckpoint(ctx context.Context, id, checkpointID string) error {
	path := fmt.Sprintf("/v1/sprites/%s/checkpoints/%s/restore",
		url.PathEscape(id), url.PathEscape(checkpointID))
	resp, err := c.request(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// wsStream adapts a WebSocket connection to the ExecStream contract.
type wsStream struct {
	conn   *websocket.Conn
	lines  chan string
	err    error
	logger *zap.Logger
}

func newWSStream(conn *websocket.Conn, logger *zap.Logger) *wsStream {
	return &wsStream{
		conn:   conn,
		lines:  make(chan string, 256),
		logger: logger,
	}
}

func (s *wsStream) readLoop() {
	defer close(s.lines)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = Errf(CodeConnectionError, "exec stream: %v", err)
			}
			return
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			s.lines <- line
		}
	}
}

func (s *wsStream) Lines() <-chan string { return s.lines }
func (s *wsStream) Err() error           { return s.err }

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
