package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// ErrIncomplete is returned when the response ends before a complete chunk.
var ErrIncomplete = errors.New("stream ended without a complete chunk")

// Framing is how chunks are delimited on the wire.
type Framing int

const (
	// FramingSSE is text/event-stream: "data:" lines holding one JSON chunk,
	// events separated by a blank line.
	FramingSSE Framing = iota
	// FramingNDJSON is one JSON chunk per line.
	FramingNDJSON
)

func (f Framing) String() string {
	if f == FramingNDJSON {
		return "ndjson"
	}
	return "sse"
}

// FramingFor picks the framing matching a response Content-Type. Anything
// that is not recognisably NDJSON is read as SSE.
func FramingFor(contentType string) Framing {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FramingSSE
	}
	switch mt {
	case "application/x-ndjson", "application/ndjson", "application/jsonl":
		return FramingNDJSON
	}
	return FramingSSE
}

// maxEventSize bounds one SSE line; audio fragments are base64 and can be large.
const maxEventSize = 4 << 20

// errStop ends decoding after the complete chunk.
var errStop = errors.New("stop")

// Consume reads chunks from r and passes each to fn synchronously, in arrival
// order, without reordering or deduplicating. It returns right after the
// complete chunk has been handled, or with an error when the reader fails,
// fn fails, ctx is done, or the input ends early (ErrIncomplete). Chunks of
// an unknown type are skipped.
func Consume(ctx context.Context, r io.Reader, framing Framing, fn Handler) (Completion, error) {
	var done Completion
	var completed bool

	dispatch := func(c Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.Type.known() {
			return nil
		}
		if err := fn(c); err != nil {
			return err
		}
		if c.Type == KindComplete {
			done = Completion{AudioURL: c.AudioURL, Duration: c.Duration}
			completed = true
			return errStop
		}
		return nil
	}

	var err error
	switch framing {
	case FramingNDJSON:
		err = readNDJSON(r, dispatch)
	default:
		err = readSSE(r, dispatch)
	}

	if completed {
		return done, nil
	}
	if err != nil && !errors.Is(err, errStop) {
		return Completion{}, err
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	return Completion{}, ErrIncomplete
}

func readNDJSON(r io.Reader, fn func(Chunk) error) error {
	dec := json.NewDecoder(r)
	for {
		var c Chunk
		if err := dec.Decode(&c); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("decoding chunk: %w", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}

func readSSE(r io.Reader, fn func(Chunk) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var eventName string
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		name := eventName
		eventName = ""
		dataLines = dataLines[:0]

		if data == "[DONE]" {
			return nil
		}
		var c Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return fmt.Errorf("decoding chunk: %w", err)
		}
		if c.Type == "" {
			c.Type = Kind(name)
		}
		return fn(c)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return flush()
}
