package triviastream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Framing is the chunk framing a provider uses for streamed completions.
type Framing int

const (
	// FramingAuto picks SSE when the first bytes look like an event stream.
	FramingAuto Framing = iota
	FramingSSE
	FramingText
)

// FrameDecoder turns raw response bytes into completion text deltas. SSE input has
// its "data:" prefixes stripped and "[DONE]" sentinels dropped; anything else is
// treated as plain UTF-8 text. Chunks may split lines and runes anywhere.
type FrameDecoder struct {
	framing Framing
	pending []byte
}

// NewFrameDecoder creates a decoder for the given framing
func NewFrameDecoder(framing Framing) *FrameDecoder {
	return &FrameDecoder{framing: framing}
}

// Write consumes a chunk and returns the deltas it completes.
func (d *FrameDecoder) Write(chunk []byte) ([]string, error) {
	d.pending = append(d.pending, chunk...)

	if d.framing == FramingAuto {
		framing, ok := sniffFraming(bytes.TrimLeft(d.pending, " \t\r\n"))
		if !ok {
			return nil, nil
		}
		d.framing = framing
	}

	if d.framing == FramingText {
		return d.takeText(false), nil
	}

	var deltas []string
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]

		delta, err := decodeSSELine(line)
		if err != nil {
			return deltas, err
		}
		if delta != "" {
			deltas = append(deltas, delta)
		}
	}
	return deltas, nil
}

var sseFieldPrefixes = [][]byte{[]byte("data:"), []byte(":"), []byte("event:"), []byte("id:"), []byte("retry:")}

// sniffFraming decides the framing from the first non-blank bytes. It reports
// false while those bytes are still a prefix of an SSE field name.
func sniffFraming(head []byte) (Framing, bool) {
	if len(head) == 0 {
		return FramingAuto, false
	}
	undecided := false
	for _, p := range sseFieldPrefixes {
		if bytes.HasPrefix(head, p) {
			return FramingSSE, true
		}
		if bytes.HasPrefix(p, head) {
			undecided = true
		}
	}
	if undecided {
		return FramingAuto, false
	}
	return FramingText, true
}

// ParseFraming maps a config value (auto, sse, text) to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FramingAuto, nil
	case "sse":
		return FramingSSE, nil
	case "text":
		return FramingText, nil
	}
	return FramingAuto, fmt.Errorf("unknown framing %q", s)
}

// Flush returns whatever is left once the input has ended.
func (d *FrameDecoder) Flush() ([]string, error) {
	if len(d.pending) == 0 {
		return nil, nil
	}
	if d.framing != FramingSSE {
		return d.takeText(true), nil
	}
	line := d.pending
	d.pending = nil
	delta, err := decodeSSELine(line)
	if err != nil || delta == "" {
		return nil, err
	}
	return []string{delta}, nil
}

func (d *FrameDecoder) takeText(final bool) []string {
	n := len(d.pending)
	if !final {
		// Hold back an incomplete trailing rune.
		for i := 1; i <= utf8.UTFMax-1 && i <= n; i++ {
			if utf8.RuneStart(d.pending[n-i]) {
				if !utf8.FullRune(d.pending[n-i:]) {
					n -= i
				}
				break
			}
		}
	}
	if n == 0 {
		return nil
	}
	text := string(d.pending[:n])
	d.pending = append([]byte(nil), d.pending[n:]...)
	return []string{text}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func decodeSSELine(line []byte) (string, error) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte("data:")) {
		// Blank separators, comments, and event/id/retry fields carry no text.
		return "", nil
	}
	payload := bytes.TrimPrefix(line, []byte("data:"))
	payload = bytes.TrimPrefix(payload, []byte(" "))
	if string(bytes.TrimSpace(payload)) == "[DONE]" {
		return "", nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return string(payload), nil
	}
	if chunk.Error != nil {
		return "", errors.New("provider stream error: " + chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	c := chunk.Choices[0]
	switch {
	case c.Delta.Content != "":
		return c.Delta.Content, nil
	case c.Message.Content != "":
		return c.Message.Content, nil
	default:
		return c.Text, nil
	}
}

// frameStream reads a response body through a FrameDecoder one delta at a time.
type frameStream struct {
	body    io.ReadCloser
	decoder *FrameDecoder
	buf     []byte
	queue   []string
	eof     bool
}

func newFrameStream(body io.ReadCloser, framing Framing) *frameStream {
	return &frameStream{
		body:    body,
		decoder: NewFrameDecoder(framing),
		buf:     make([]byte, 4096),
	}
}

func (s *frameStream) Recv() (string, error) {
	for {
		if len(s.queue) > 0 {
			delta := s.queue[0]
			s.queue = s.queue[1:]
			return delta, nil
		}
		if s.eof {
			return "", io.EOF
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			deltas, decErr := s.decoder.Write(s.buf[:n])
			s.queue = append(s.queue, deltas...)
			if decErr != nil {
				return "", decErr
			}
		}
		if errors.Is(err, io.EOF) {
			rest, decErr := s.decoder.Flush()
			s.queue = append(s.queue, rest...)
			if decErr != nil {
				return "", decErr
			}
			s.eof = true
			continue
		}
		if err != nil {
			return "", err
		}
		if n > 0 && len(s.queue) == 0 {
			// Bytes arrived but completed no delta; still counts as provider activity.
			return "", nil
		}
	}
}

func (s *frameStream) Close() error {
	return s.body.Close()
}
