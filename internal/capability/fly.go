package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FlyClient is the live implementation of the Fly capability against the
// Fly Machines API.
type FlyClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

var _ Fly = (*FlyClient)(nil)

// NewFlyClient creates a live Fly Machines client.
func NewFlyClient(token string, logger *zap.Logger) *FlyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlyClient{
		baseURL: "https://api.machines.dev/v1",
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (c *FlyClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Errf(CodeInvalidResponse, "encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Errf(CodeConnectionError, "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Errf(CodeTimeout, "fly: %v", err)
		}
		return Errf(CodeConnectionError, "fly: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Errf(CodeInvalidResponse, "decode fly response: %v", err)
		}
	}
	return nil
}

type flyMachine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
	Config struct {
		Image string `json:"image"`
	} `json:"config"`
}

func (m flyMachine) toMachine() Machine {
	return Machine{ID: m.ID, Name: m.Name, State: m.State, Region: m.Region, Image: m.Config.Image}
}

// ListMachines returns all machines in an app.
func (c *FlyClient) ListMachines(ctx context.Context, app string) ([]Machine, error) {
	var raw []flyMachine
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/apps/%s/machines", app), nil, &raw); err != nil {
		return nil, err
	}
	machines := make([]Machine, 0, len(raw))
	for _, m := range raw {
		machines = append(machines, m.toMachine())
	}
	return machines, nil
}

// GetMachine returns one machine.
func (c *FlyClient) GetMachine(ctx context.Context, app, id string) (*Machine, error) {
	var raw flyMachine
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/apps/%s/machines/%s", app, id), nil, &raw); err != nil {
		return nil, err
	}
	machine := raw.toMachine()
	return &machine, nil
}

// RestartMachine restarts one machine.
func (c *FlyClient) RestartMachine(ctx context.Context, app, id string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/machines/%s/restart", app, id), nil, nil)
}

// Deploy updates every machine in the app to the given image.
func (c *FlyClient) Deploy(ctx context.Context, app, image string) error {
	machines, err := c.ListMachines(ctx, app)
	if err != nil {
		return err
	}
	for _, m := range machines {
		body := map[string]any{"config": map[string]any{"image": image}}
		if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/machines/%s", app, m.ID), body, nil); err != nil {
			return fmt.Errorf("update machine %s: %w", m.ID, err)
		}
	}
	return nil
}

// Scale is not supported through the Machines API surface we use.
func (c *FlyClient) Scale(ctx context.Context, app string, count int) error {
	return &Error{Code: CodeNotImplemented, Message: "scale requires machine clone/destroy orchestration"}
}

// FlyStub is the canned Fly implementation.
type FlyStub struct {
	mu       sync.Mutex
	machines map[string][]Machine
	deploys  []string // "app: image"
}

var _ Fly = (*FlyStub)(nil)

// NewFlyStub creates an empty Fly stub.
func NewFlyStub() *FlyStub {
	return &FlyStub{machines: make(map[string][]Machine)}
}

// SeedMachine adds a machine to an app.
func (s *FlyStub) SeedMachine(app string, m Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[app] = append(s.machines[app], m)
}

// Deploys returns every recorded deploy.
func (s *FlyStub) Deploys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deploys...)
}

func (s *FlyStub) ListMachines(_ context.Context, app string) ([]Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Machine(nil), s.machines[app]...), nil
}

func (s *FlyStub) GetMachine(_ context.Context, app, id string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machines[app] {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, &Error{Code: CodeNotFound, Message: "machine"}
}

func (s *FlyStub) RestartMachine(_ context.Context, app, id string) error {
	_, err := s.GetMachine(context.Background(), app, id)
	return err
}

func (s *FlyStub) Deploy(_ context.Context, app, image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deploys = append(s.deploys, app+": "+image)
	return nil
}

func (s *FlyStub) Scale(_ context.Context, _ string, _ int) error { return nil }
