package usage

import "bytes"

// SSEScanner incrementally splits a server-sent-event byte stream into data
// payloads while the raw bytes are forwarded to the caller untouched. Feed
// copies nothing back to the wire; it only inspects.
type SSEScanner struct {
	buffer  []byte
	onEvent func(data []byte)
}

// NewSSEScanner constructs a scanner invoking onEvent for each data payload.
func NewSSEScanner(onEvent func(data []byte)) *SSEScanner {
	return &SSEScanner{buffer: make([]byte, 0, 4096), onEvent: onEvent}
}

// Feed appends a chunk and dispatches any completed events.
func (s *SSEScanner) Feed(chunk []byte) {
	if s == nil {
		return
	}
	s.buffer = append(s.buffer, chunk...)
	s.dispatch(false)
}

// Finish flushes any trailing partial event after the stream closes.
func (s *SSEScanner) Finish() {
	if s == nil {
		return
	}
	s.dispatch(true)
}

func (s *SSEScanner) dispatch(flush bool) {
	for {
		event, rest, ok := nextEvent(s.buffer, flush)
		if !ok {
			return
		}
		s.buffer = rest
		if data := eventData(event); len(data) > 0 {
			s.onEvent(data)
		}
	}
}

// nextEvent splits off one SSE event, honoring both CRLF and LF delimiters.
func nextEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

// eventData joins the data lines of one event, skipping the [DONE] sentinel.
func eventData(event []byte) []byte {
	var dataLines [][]byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}
	if len(dataLines) == 0 {
		return nil
	}
	return bytes.Join(dataLines, []byte("\n"))
}
