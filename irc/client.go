// Package irc maintains the live chat session for the configured channel.
// It speaks the minimal line-oriented subset of the platform protocol the
// bot needs (PASS/NICK auth, JOIN, PING/PONG, PRIVMSG) over TLS, and owns
// the connection state machine including bounded reconnection and the
// auth-failure -> forced token refresh recovery path.
package irc

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/streamcore/backend/bus"
	"github.com/onnwee/streamcore/backend/telemetry"
)

const (
	chatHost = "irc.chat.twitch.tv:6697"

	defaultMaxReconnects = 10
	defaultReconnectWait = 2 * time.Second
	defaultAuthRetryWait = 3 * time.Second
)

// State is the connection lifecycle phase. Failed is terminal; only
// Disconnect leaves it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateJoined
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Credentials supplies the current token pair and the forced-refresh hook
// used on authentication failures. Implemented by token.Manager.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	Refresh(ctx context.Context, refreshToken string, force bool) bool
}

// DialFunc opens the raw connection. Injectable for tests.
type DialFunc func(ctx context.Context) (net.Conn, error)

var (
	ErrDisconnected = errors.New("irc: disconnected")
	ErrFailed       = errors.New("irc: connection permanently failed")
)

// Options configures a Client. Nick and Channel are lower-cased on New;
// Channel carries no '#' prefix.
type Options struct {
	Nick    string
	Channel string
	Creds   Credentials
	Bus     *bus.Bus
	Dial    DialFunc // nil means TLS to the platform chat host
}

// Client holds one live chat session. The socket is destroyed and recreated
// across reconnects; Client itself is the long-lived owner of the machine
// state, the reconnect counter, and the pending-connect waiter.
type Client struct {
	nick    string
	channel string
	creds   Credentials
	bus     *bus.Bus
	dial    DialFunc

	maxReconnects int
	reconnectWait time.Duration
	authRetryWait time.Duration

	mu                sync.Mutex
	state             State
	conn              net.Conn
	rootCtx           context.Context
	reconnectTimer    *time.Timer
	reconnectAttempts int
	closed            bool
	suppressReconnect bool // auth recovery owns the next connect
	authAttempted     bool // one forced refresh cycle per joined session
	waiter            *connectWaiter

	authRefreshing atomic.Bool
}

// connectWaiter resolves the externally pending Connect exactly once, no
// matter how many join confirmations or failures arrive.
type connectWaiter struct {
	once sync.Once
	err  error
	done chan struct{}
}

func (w *connectWaiter) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func New(opts Options) *Client {
	c := &Client{
		nick:          strings.ToLower(opts.Nick),
		channel:       strings.ToLower(strings.TrimPrefix(opts.Channel, "#")),
		creds:         opts.Creds,
		bus:           opts.Bus,
		dial:          opts.Dial,
		maxReconnects: defaultMaxReconnects,
		reconnectWait: defaultReconnectWait,
		authRetryWait: defaultAuthRetryWait,
		rootCtx:       context.Background(),
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (net.Conn, error) {
			d := tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS12}}
			return d.DialContext(ctx, "tcp", chatHost)
		}
	}
	return c
}

// State reports the current machine state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the session and blocks until the channel join is confirmed,
// the machine fails permanently, or ctx is done. Reconnection after later
// socket faults happens in the background; Connect resolves exactly once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateFailed {
		c.mu.Unlock()
		return ErrFailed
	}
	c.closed = false
	c.rootCtx = ctx
	if c.waiter == nil {
		c.waiter = &connectWaiter{done: make(chan struct{})}
	}
	w := c.waiter
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		return err
	}

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect is the only external terminator: it cancels any pending
// reconnect timer, destroys the socket, and returns the machine to
// Disconnected regardless of its current state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.suppressReconnect = false
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if w != nil {
		w.resolve(ErrDisconnected)
	}
}

// connectOnce performs a single dial + auth handshake attempt. A dial fault
// schedules a bounded reconnect before returning the error.
func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		slog.Error("irc dial failed", slog.Any("err", err))
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	c.conn = conn
	c.state = StateAuthenticating
	c.reconnectAttempts = 0
	c.mu.Unlock()

	// PASS must precede NICK.
	if err := c.writeLine(conn, "PASS "+oauthPrefixed(c.creds.AccessToken())); err != nil {
		c.scheduleReconnect()
		return err
	}
	if err := c.writeLine(conn, "NICK "+c.nick); err != nil {
		c.scheduleReconnect()
		return err
	}

	go c.readLoop(conn)
	return nil
}

func oauthPrefixed(token string) string {
	if strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}

func (c *Client) writeLine(conn net.Conn, line string) error {
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		slog.Error("irc write failed", slog.Any("err", err))
		_ = conn.Close()
		return err
	}
	return nil
}

// scanCRLF splits on CRLF only, buffering partial lines across arbitrary
// TCP chunk boundaries.
func scanCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, []byte("\r\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (c *Client) readLoop(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Split(scanCRLF)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.handleLine(conn, line)
	}

	c.mu.Lock()
	closed := c.closed || c.state == StateFailed
	suppressed := c.suppressReconnect
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	if closed || suppressed {
		return
	}
	c.scheduleReconnect()
}

func (c *Client) handleLine(conn net.Conn, line string) {
	msg := Parse(line, c.nick, c.channel)
	switch msg.Type {
	case Ping:
		_ = c.writeLine(conn, "PONG "+msg.Token)

	case Welcome:
		_ = c.writeLine(conn, "JOIN #"+c.channel)

	case JoinConfirmed, NamesEnd:
		c.mu.Lock()
		first := c.state != StateJoined
		c.state = StateJoined
		c.authAttempted = false
		w := c.waiter
		c.mu.Unlock()
		if first {
			slog.Info("joined channel", slog.String("channel", "#"+c.channel))
			c.bus.Publish(bus.TopicIRCConnected, bus.Connected{Channel: c.channel})
			if w != nil {
				w.resolve(nil)
			}
		}

	case PrivMsg:
		// Own non-command echoes would feed back into the ledger.
		if msg.Nick == c.nick && !msg.IsCommand {
			return
		}
		telemetry.IncChatMessage()
		c.bus.Publish(bus.TopicChatMessage, bus.ChatMessage{
			Username:    strings.ToLower(msg.Nick),
			DisplayName: msg.Nick,
			Text:        msg.Text,
			Channel:     msg.Channel,
			IsCommand:   msg.IsCommand,
			ReceivedAt:  time.Now().UTC(),
		})

	case AuthFailure:
		slog.Error("irc authentication failed", slog.String("line", msg.Raw))
		c.beginAuthRecovery(conn)

	case Unrecognized:
		// Server noise (MOTD, CAP acks); ignored.
	}
}

// beginAuthRecovery destroys the socket and runs at most one forced token
// refresh + reconnect cycle. A second auth failure within the same session
// cycle, or a failed refresh, is fatal.
func (c *Client) beginAuthRecovery(conn net.Conn) {
	c.mu.Lock()
	c.suppressReconnect = true
	alreadyTried := c.authAttempted
	c.authAttempted = true
	ctx := c.rootCtx
	c.mu.Unlock()
	_ = conn.Close()

	if alreadyTried {
		c.fail("authentication failed after token refresh")
		return
	}
	if !c.authRefreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.authRefreshing.Store(false)

		if !c.creds.Refresh(ctx, c.creds.RefreshToken(), true) {
			c.fail("authentication failed and token refresh unsuccessful")
			return
		}
		slog.Info("token refreshed after auth failure; reconnecting")
		select {
		case <-time.After(c.authRetryWait):
		case <-ctx.Done():
			return
		}
		c.mu.Lock()
		c.suppressReconnect = false
		c.mu.Unlock()
		if err := c.connectOnce(ctx); err != nil {
			slog.Error("reconnect after token refresh failed", slog.Any("err", err))
		}
	}()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.state == StateFailed || c.suppressReconnect || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.maxReconnects {
		c.mu.Unlock()
		c.fail("max reconnection attempts reached")
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(c.reconnectWait, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		ctx := c.rootCtx
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		slog.Warn("reconnecting", slog.Int("attempt", attempt), slog.Int("max", c.maxReconnects))
		telemetry.IncReconnect()
		if err := c.connectOnce(ctx); err != nil {
			slog.Error("reconnect attempt failed", slog.Any("err", err))
		}
	})
	c.mu.Unlock()
}

// fail moves the machine to the terminal Failed state and surfaces the fault
// on the bus. No further automatic connection attempts happen after this.
func (c *Client) fail(reason string) {
	c.mu.Lock()
	c.state = StateFailed
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	w := c.waiter
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	slog.Error("irc connection failed", slog.String("reason", reason))
	c.bus.Publish(bus.TopicIRCError, bus.ConnError{Err: reason})
	if w != nil {
		w.resolve(errors.New(reason))
	}
}
