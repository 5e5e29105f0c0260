package esl

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
)

// parseEvent decodes a text/event-plain body. Header values arrive
// URL-encoded; an optional inner Content-Length introduces the event body.
func parseEvent(raw []byte) (domain.CallEvent, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	headers := make(map[string]string)

	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return domain.CallEvent{}, fmt.Errorf("malformed event header %q", line)
		}
		value = strings.TrimSpace(value)
		if decoded, derr := url.PathUnescape(value); derr == nil {
			value = decoded
		}
		headers[strings.TrimSpace(key)] = value
		if err != nil {
			break
		}
	}

	ev := domain.CallEvent{
		Name:     headers["Event-Name"],
		Subclass: headers["Event-Subclass"],
		UniqueID: headers["Unique-ID"],
		Headers:  headers,
	}
	if ev.Name == "" {
		return domain.CallEvent{}, fmt.Errorf("event without Event-Name")
	}

	if cl := headers["Content-Length"]; cl != "" {
		n, err := contentLength(cl)
		if err != nil {
			return domain.CallEvent{}, fmt.Errorf("event body: %w", err)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return domain.CallEvent{}, fmt.Errorf("short event body: %w", err)
		}
		ev.Body = string(body)
	}
	return ev, nil
}
