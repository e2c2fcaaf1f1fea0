package capability

import (
	"context"
	"sync"
	"time"
)

// SpritesStub is the canned Sprites implementation used in development
// and tests. Wake walks a sprite through cold → warm → running across
// successive Gets, mimicking the real API's warm-up.
type SpritesStub struct {
	mu       sync.Mutex
	statuses map[string]string
	execs    []string               // every exec'd command, in order
	failures map[string]*Error      // operation → scripted failure (one-shot)
	streams  map[string][]string    // command → scripted stdout lines
	results  map[string]*ExecResult // command → scripted one-shot exec result
	logs     map[string]string
}

var _ Sprites = (*SpritesStub)(nil)

// NewSpritesStub creates a stub with no sprites.
func NewSpritesStub() *SpritesStub {
	return &SpritesStub{
		statuses: make(map[string]string),
		failures: make(map[string]*Error),
		streams:  make(map[string][]string),
		results:  make(map[string]*ExecResult),
		logs:     make(map[string]string),
	}
}

// SetStatus seeds or overrides a sprite's API status string.
func (s *SpritesStub) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
}

// FailNext scripts a one-shot failure for the named operation.
func (s *SpritesStub) FailNext(operation string, err *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = err
}

// ScriptStream sets the stdout lines an ExecWS session for cmd will emit.
func (s *SpritesStub) ScriptStream(cmd string, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[cmd] = lines
}

// ScriptExec sets the result a one-shot Exec of cmd will return.
func (s *SpritesStub) ScriptExec(cmd string, result *ExecResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[cmd] = result
}

// SetLogs seeds the canned log output for a sprite.
func (s *SpritesStub) SetLogs(id, logs string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = logs
}

// ExecHistory returns every command exec'd so far.
func (s *SpritesStub) ExecHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.execs))
	copy(out, s.execs)
	return out
}

func (s *SpritesStub) takeFailure(operation string) *Error {
	if err, ok := s.failures[operation]; ok {
		delete(s.failures, operation)
		return err
	}
	return nil
}

// List returns all seeded sprites.
func (s *SpritesStub) List(_ context.Context) ([]Sprite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("list"); err != nil {
		return nil, err
	}
	out := make([]Sprite, 0, len(s.statuses))
	for id, status := range s.statuses {
		out = append(out, Sprite{ID: id, Status: status, State: MapStatus(status)})
	}
	return out, nil
}

// Get returns the sprite's current status, then advances warm sprites to
// running so the next observation sees them ready.
func (s *SpritesStub) Get(_ context.Context, id string) (*Sprite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("get"); err != nil {
		return nil, err
	}
	status, ok := s.statuses[id]
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: "sprite " + id}
	}
	sprite := &Sprite{ID: id, Status: status, State: MapStatus(status), UpdatedAt: time.Now().UTC()}
	if status == "warm" {
		s.statuses[id] = "running"
	}
	return sprite, nil
}

// Create seeds a new cold sprite.
func (s *SpritesStub) Create(_ context.Context, id string) (*Sprite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("create"); err != nil {
		return nil, err
	}
	s.statuses[id] = "cold"
	return &Sprite{ID: id, Status: "cold", State: StateHibernating}, nil
}

// Delete removes a sprite.
func (s *SpritesStub) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("delete"); err != nil {
		return err
	}
	delete(s.statuses, id)
	return nil
}

// Wake starts the warm-up: the sprite reports warm until the next Get.
func (s *SpritesStub) Wake(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("wake"); err != nil {
		return err
	}
	if _, ok := s.statuses[id]; !ok {
		return &Error{Code: CodeNotFound, Message: "sprite " + id}
	}
	s.statuses[id] = "warm"
	return nil
}

// Sleep sends the sprite cold immediately.
func (s *SpritesStub) Sleep(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("sleep"); err != nil {
		return err
	}
	if _, ok := s.statuses[id]; !ok {
		return &Error{Code: CodeNotFound, Message: "sprite " + id}
	}
	s.statuses[id] = "cold"
	return nil
}

// Exec records the command and returns a zero exit.
func (s *SpritesStub) Exec(_ context.Context, id, cmd string) (*ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("exec"); err != nil {
		return nil, err
	}
	if _, ok := s.statuses[id]; !ok {
		return nil, &Error{Code: CodeNotFound, Message: "sprite " + id}
	}
	s.execs = append(s.execs, cmd)
	if res, ok := s.results[cmd]; ok {
		return res, nil
	}
	return &ExecResult{ExitCode: 0}, nil
}

// ExecWS replays the scripted lines for cmd as a stream.
func (s *SpritesStub) ExecWS(_ context.Context, id, cmd string) (ExecStream, error) {
	s.mu.Lock()
	if err := s.takeFailure("exec_ws"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, ok := s.statuses[id]; !ok {
		s.mu.Unlock()
		return nil, &Error{Code: CodeNotFound, Message: "sprite " + id}
	}
	s.execs = append(s.execs, cmd)
	lines := s.streams[cmd]
	s.mu.Unlock()

	stream := &stubStream{lines: make(chan string, len(lines)+1)}
	for _, line := range lines {
		stream.lines <- line
	}
	close(stream.lines)
	return stream, nil
}

// FetchLogs returns the canned log output.
func (s *SpritesStub) FetchLogs(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("fetch_logs"); err != nil {
		return "", err
	}
	return s.logs[id], nil
}

// RestoreCheckpoint records the restore as an exec for assertions.
func (s *SpritesStub) RestoreCheckpoint(_ context.Context, id, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("restore_checkpoint"); err != nil {
		return err
	}
	if _, ok := s.statuses[id]; !ok {
		return &Error{Code: CodeNotFound, Message: "sprite " + id}
	}
	s.execs = append(s.execs, "restore_checkpoint "+checkpointID)
	return nil
}

type stubStream struct {
	lines chan string
}

func (s *stubStream) Lines() <-chan string { return s.lines }
func (s *stubStream) Err() error           { return nil }
func (s *stubStream) Close() error         { return nil }
