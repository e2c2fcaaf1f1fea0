package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// LinePrefix marks a protocol event on a sprite's stdout. Everything else
// on the stream is plain output.
const LinePrefix = "LATTICE_EVENT "

// ErrMalformedEvent is returned when a line carries the event prefix but
// the JSON after it fails to parse or validate. The caller logs the error
// and treats the line as plain stdout; the stream continues.
var ErrMalformedEvent = errors.New("malformed protocol event")

// ParseLine inspects one stdout line. Returns (event, true, nil) for a
// well-formed protocol event, (nil, false, nil) for plain output, and
// (nil, false, err) when the line claimed to be an event but is not.
func ParseLine(line string) (*Event, bool, error) {
	if !strings.HasPrefix(line, LinePrefix) {
		return nil, false, nil
	}
	raw := strings.TrimPrefix(line, LinePrefix)

	evt, err := ParseRaw([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return evt, true, nil
}

// ParseRaw parses one raw JSON event (outbox line or prefix-stripped stdout
// line) and validates it.
func ParseRaw(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	evt.Timestamp = evt.Timestamp.UTC()
	return &evt, nil
}

// SerializeLine renders an event as a stdout protocol line (no trailing
// newline). parse(serialize(e)) == e for all well-formed events.
func SerializeLine(evt *Event) (string, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	return LinePrefix + string(data), nil
}

// ParseOutbox parses the contents of an outbox JSONL file. Lines that fail
// to parse are skipped and reported; one bad line never poisons the rest.
func ParseOutbox(data []byte) ([]*Event, []error) {
	var (
		events []*Event
		errs   []error
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		evt, err := ParseRaw(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("outbox line %d: %w", lineNo, err))
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("scan outbox: %w", err))
	}
	return events, errs
}
