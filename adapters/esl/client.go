// Package esl is a minimal FreeSWITCH event socket client: authentication,
// api commands, plain-text event subscription and sendevent.
package esl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

const (
	authTimeout     = 10 * time.Second
	eventBufferSize = 4096
	replyBufferSize = 16

	// Upper bound on a declared Content-Length. Events carrying a full
	// channel dump stay well below it.
	maxContentLength = 8 * 1024 * 1024
)

var (
	ErrAuthFailed   = errors.New("esl authentication failed")
	ErrDisconnected = errors.New("esl connection closed")
)

type message struct {
	header textproto.MIMEHeader
	body   []byte
}

// Client is one authenticated event socket connection
type Client struct {
	conn   net.Conn
	reader *textproto.Reader
	logger *zap.Logger

	// cmdMu keeps exactly one command in flight so replies match in order.
	cmdMu     sync.Mutex
	abandoned int

	replies chan *message
	events  chan domain.CallEvent
	done    chan struct{}

	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

var _ repositories.EventSource = (*Client)(nil)

// Dial connects to the switch at addr and authenticates with password
func Dial(ctx context.Context, addr, password string, logger *zap.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event socket %s: %w", addr, err)
	}
	c, err := NewClient(conn, password, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient authenticates over an established connection and starts the
// read loop.
func NewClient(conn net.Conn, password string, logger *zap.Logger) (*Client, error) {
	c := &Client{
		conn:    conn,
		reader:  textproto.NewReader(bufio.NewReader(conn)),
		logger:  logger,
		replies: make(chan *message, replyBufferSize),
		events:  make(chan domain.CallEvent, eventBufferSize),
		done:    make(chan struct{}),
	}

	_ = conn.SetDeadline(time.Now().Add(authTimeout))
	if err := c.authenticate(password); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

func (c *Client) authenticate(password string) error {
	msg, err := c.readMessage()
	if err != nil {
		return fmt.Errorf("failed to read auth request: %w", err)
	}
	if ct := msg.header.Get("Content-Type"); ct != "auth/request" {
		return fmt.Errorf("unexpected greeting %q", ct)
	}
	if _, err := io.WriteString(c.conn, "auth "+password+"\n\n"); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}
	reply, err := c.readMessage()
	if err != nil {
		return fmt.Errorf("failed to read auth reply: %w", err)
	}
	if text := reply.header.Get("Reply-Text"); !strings.HasPrefix(text, "+OK") {
		return fmt.Errorf("%w: %s", ErrAuthFailed, text)
	}
	return nil
}

func (c *Client) readMessage() (*message, error) {
	header, err := c.reader.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	msg := &message{header: header}
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := contentLength(cl)
		if err != nil {
			return nil, err
		}
		msg.body = make([]byte, n)
		if _, err := io.ReadFull(c.reader.R, msg.body); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func contentLength(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length %q: %w", raw, err)
	}
	if n < 0 || n > maxContentLength {
		return 0, fmt.Errorf("out-of-range Content-Length %d", n)
	}
	return n, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		msg, err := c.readMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}

		switch ct := msg.header.Get("Content-Type"); ct {
		case "command/reply", "api/response":
			select {
			case c.replies <- msg:
			default:
				c.logger.Warn("Dropping unexpected event socket reply", zap.String("contentType", ct))
			}
		case "text/event-plain":
			ev, err := parseEvent(msg.body)
			if err != nil {
				c.logger.Warn("Failed to parse event", zap.Error(err))
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case "text/disconnect-notice":
			c.shutdown(ErrDisconnected)
			return
		default:
			c.logger.Debug("Ignoring event socket message", zap.String("contentType", ct))
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// roundTrip writes one command and waits for its reply. Replies of
// commands abandoned by a cancelled context are skipped.
func (c *Client) roundTrip(ctx context.Context, payload string) (*message, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := io.WriteString(c.conn, payload); err != nil {
		c.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err))
		return nil, c.Err()
	}

	for {
		select {
		case msg := <-c.replies:
			if c.abandoned > 0 {
				c.abandoned--
				continue
			}
			return msg, nil
		case <-ctx.Done():
			c.abandoned++
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.Err()
		}
	}
}

// API runs a synchronous api command. A reply starting with -ERR or
// -USAGE is reported as not OK.
func (c *Client) API(ctx context.Context, command string) (repositories.Reply, error) {
	msg, err := c.roundTrip(ctx, "api "+command+"\n\n")
	if err != nil {
		return repositories.Reply{}, err
	}
	text := strings.TrimSpace(string(msg.body))
	if text == "" {
		text = msg.header.Get("Reply-Text")
	}
	return repositories.Reply{OK: !strings.HasPrefix(text, "-"), Text: text}, nil
}

// Subscribe enables plain-text delivery of the named events
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	msg, err := c.roundTrip(ctx, "event plain "+strings.Join(events, " ")+"\n\n")
	if err != nil {
		return err
	}
	if text := msg.header.Get("Reply-Text"); !strings.HasPrefix(text, "+OK") {
		return fmt.Errorf("subscribe refused: %s", text)
	}
	return nil
}

// SendEvent raises a CUSTOM event with the given subclass and headers
func (c *Client) SendEvent(ctx context.Context, subclass string, headers map[string]string) error {
	var b strings.Builder
	b.WriteString("sendevent CUSTOM\nEvent-Subclass: ")
	b.WriteString(sanitizeHeader(subclass))
	b.WriteByte('\n')

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(sanitizeHeader(k))
		b.WriteString(": ")
		b.WriteString(sanitizeHeader(headers[k]))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	msg, err := c.roundTrip(ctx, b.String())
	if err != nil {
		return err
	}
	if text := msg.header.Get("Reply-Text"); !strings.HasPrefix(text, "+OK") {
		return fmt.Errorf("sendevent refused: %s", text)
	}
	return nil
}

// Events delivers parsed events. The channel is closed when the connection ends.
func (c *Client) Events() <-chan domain.CallEvent { return c.events }

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is alive
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close terminates the connection
func (c *Client) Close() error {
	c.shutdown(ErrDisconnected)
	return nil
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
