// Package terminal owns the TCP socket to one trading terminal instance.
// One connection serves every account that belongs to its user: commands
// are serialized over the socket with monotonically increasing correlation
// tokens, push lines arriving outside a command response are delivered on
// an event channel, and socket failures re-enter an explicit reconnect
// state machine with jittered exponential backoff.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/marketdesk/dasmon/internal/wire"
)

// Config identifies the terminal endpoint and tunes the socket timeouts.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	Account        string // login scope account code
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func (c *Config) withDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// Response is the matched reply to one command.
type Response struct {
	Token     uint64
	Messages  []wire.Message
	ParseErrs []error
}

// PushEvent is an unsolicited line from the terminal. Err carries a
// recoverable parse error; the message then holds sentinel values and the
// consumer decides whether to skip the update.
type PushEvent struct {
	Msg wire.Message
	Raw string
	At  time.Time
	Err error
}

// pendingCmd tracks the single in-flight command awaiting its response.
// The protocol does not echo correlation tokens, so exactly one command is
// outstanding at a time and matching is by expected response shape.
type pendingCmd struct {
	token     uint64
	block     wire.Block // block-delimited response, or BlockNone
	kind      wire.Kind  // single-line response kind when block is BlockNone
	inBlock   bool
	messages  []wire.Message
	parseErrs []error
	done      chan *Response
}

// Conn is one live terminal connection.
type Conn struct {
	cfg    Config
	logger *zap.Logger

	state atomic.Int32
	token atomic.Uint64

	sendMu sync.Mutex // serializes whole command round-trips

	mu      sync.Mutex // guards socket, reader and pending
	sock    net.Conn
	rd      *bufio.Reader // wraps sock; carries bytes buffered during login
	pending *pendingCmd

	pushCh      chan PushEvent
	reconnected chan struct{} // coalesced signal of a fresh Connected transition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dial func(ctx context.Context, addr string) (net.Conn, error)
	now  func() time.Time
}

// New creates a connection in the Disconnected state. Start must be called
// to bring it up.
func New(cfg Config, logger *zap.Logger) *Conn {
	cfg.withDefaults()
	c := &Conn{
		cfg:         cfg,
		logger:      logger.Named("terminal").With(zap.String("endpoint", cfg.addr()), zap.String("user", cfg.Username)),
		pushCh:      make(chan PushEvent, 256),
		reconnected: make(chan struct{}, 1),
		now:         time.Now,
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	return c
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Info("connection state changed",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

// Push returns the stream of unsolicited terminal events. It is closed when
// the connection shuts down.
func (c *Conn) Push() <-chan PushEvent { return c.pushCh }

// Reconnected signals each fresh Connected transition after a break, so the
// sync engine can fully re-poll its accounts. Signals are coalesced.
func (c *Conn) Reconnected() <-chan struct{} { return c.reconnected }

// Start brings the connection up and keeps it alive until ctx is cancelled
// or Close is called. The initial connect happens synchronously so callers
// learn about bad credentials immediately.
func (c *Conn) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(c.ctx); err != nil {
		if err == ErrAuthentication {
			c.setState(StateDisconnected)
			return err
		}
		// Transient: hand off to the reconnect loop.
		c.logger.Warn("initial connect failed, entering reconnect", zap.Error(err))
		c.setState(StateReconnecting)
	}

	c.wg.Add(1)
	go c.manage()
	return nil
}

// Close tears the connection down, sending QUIT best-effort.
func (c *Conn) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.sock != nil {
		_, _ = c.sock.Write(wire.EncodeCommand(wire.CmdQuit))
		_ = c.sock.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// NextToken returns the next correlation token. Exposed for tests.
func (c *Conn) NextToken() uint64 { return c.token.Add(1) }

// Send issues one command and waits for its complete response. Commands are
// serialized; the per-command deadline yields ErrCommandTimeout.
func (c *Conn) Send(ctx context.Context, cmd string, args ...string) (*Response, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.State() != StateConnected {
		return nil, ErrConnectionLost
	}

	p := &pendingCmd{
		token: c.token.Add(1),
		done:  make(chan *Response, 1),
	}
	switch cmd {
	case wire.CmdGetPosition:
		p.block = wire.BlockPositions
	case wire.CmdGetOrders:
		p.block = wire.BlockOrders
	case wire.CmdGetTrades:
		p.block = wire.BlockTrades
	case wire.CmdGetAccount:
		p.kind = wire.KindAccountInfo
	case wire.CmdGetBP:
		p.kind = wire.KindBuyingPower
	default:
		return nil, fmt.Errorf("terminal: unsupported command %q", cmd)
	}

	c.mu.Lock()
	sock := c.sock
	if sock == nil {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending = p
	_ = sock.SetWriteDeadline(c.now().Add(c.cfg.CommandTimeout))
	_, err := sock.Write(wire.EncodeCommand(cmd, args...))
	c.mu.Unlock()
	if err != nil {
		c.clearPending(p)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case resp := <-p.done:
		if resp == nil {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		c.clearPending(p)
		return nil, ErrCommandTimeout
	case <-ctx.Done():
		c.clearPending(p)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.clearPending(p)
		return nil, ErrClosed
	}
}

func (c *Conn) clearPending(p *pendingCmd) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

// manage is the reconnect state machine. It owns the socket lifecycle: each
// established socket gets a reader loop, and any failure re-enters the
// backoff path until the context ends or authentication is rejected.
func (c *Conn) manage() {
	defer c.wg.Done()
	defer close(c.pushCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.MaxInterval = c.cfg.BackoffCap
	bo.RandomizationFactor = 1 // full jitter
	bo.MaxElapsedTime = 0

	for {
		if c.State() == StateConnected {
			bo.Reset()
			err := c.readLoop()
			if c.ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			c.logger.Warn("socket failed", zap.Error(err))
			c.failPending()
			c.closeSocket()
			c.setState(StateReconnecting)
			continue
		}

		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(bo.NextBackOff()):
		}

		if err := c.connect(c.ctx); err != nil {
			if err == ErrAuthentication {
				c.logger.Error("authentication rejected, giving up", zap.Error(err))
				c.setState(StateDisconnected)
				return
			}
			c.logger.Warn("reconnect attempt failed", zap.Error(err))
			c.setState(StateReconnecting)
			continue
		}

		// Fresh session: signal so the engine re-polls everything.
		select {
		case c.reconnected <- struct{}{}:
		default:
		}
	}
}

// connect dials and authenticates, transitioning Connecting ->
// Authenticating -> Connected.
func (c *Conn) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	sock, err := c.dial(dialCtx, c.cfg.addr())
	if err != nil {
		if dialCtx.Err() != nil {
			return ErrConnectTimeout
		}
		return fmt.Errorf("terminal: dial %s: %w", c.cfg.addr(), err)
	}

	c.setState(StateAuthenticating)
	rd := bufio.NewReader(sock)
	if err := c.login(sock, rd); err != nil {
		_ = sock.Close()
		return err
	}

	c.mu.Lock()
	c.sock = sock
	c.rd = rd
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("terminal session established")
	return nil
}

// login performs the credential handshake on a fresh socket. The caller's
// reader is used so any push lines arriving in the same segment as the ack
// stay buffered for the read loop instead of being lost.
func (c *Conn) login(sock net.Conn, r *bufio.Reader) error {
	deadline := c.now().Add(c.cfg.ConnectTimeout)
	_ = sock.SetDeadline(deadline)
	defer sock.SetDeadline(time.Time{})

	if _, err := sock.Write(wire.EncodeCommand(wire.CmdLogin, c.cfg.Username, c.cfg.Password, c.cfg.Account)); err != nil {
		return fmt.Errorf("terminal: send login: %w", err)
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ErrConnectTimeout
			}
			return fmt.Errorf("terminal: read login ack: %w", err)
		}
		msg, _ := wire.Decode(line, c.now())
		switch m := msg.(type) {
		case wire.LoginResultMsg:
			if !m.OK {
				return ErrAuthentication
			}
			return nil
		default:
			// Banner noise before the ack; keep reading.
		}
	}
}

// readLoop consumes lines until the socket fails. Lines belonging to the
// pending command's response block complete that command; everything else
// is a push event.
func (c *Conn) readLoop() error {
	c.mu.Lock()
	rd := c.rd
	c.mu.Unlock()
	if rd == nil {
		return ErrConnectionLost
	}

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		c.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: peer closed", ErrConnectionLost)
}

func (c *Conn) handleLine(raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	msg, perr := wire.Decode(raw, c.now())

	c.mu.Lock()
	p := c.pending
	if p != nil && c.consumeForPending(p, msg, perr) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if perr != nil {
		c.logger.Debug("push line with parse error", zap.String("line", raw), zap.Error(perr))
	}
	select {
	case c.pushCh <- PushEvent{Msg: msg, Raw: raw, At: c.now(), Err: perr}:
	default:
		c.logger.Warn("push buffer full, dropping event", zap.String("line", raw))
	}
}

// consumeForPending routes a decoded line into the in-flight command's
// response. Returns false when the line is not part of that response.
// Caller holds c.mu.
func (c *Conn) consumeForPending(p *pendingCmd, msg wire.Message, perr error) bool {
	complete := func() {
		c.pending = nil
		p.done <- &Response{Token: p.token, Messages: p.messages, ParseErrs: p.parseErrs}
	}

	if p.block != wire.BlockNone {
		switch m := msg.(type) {
		case wire.BlockMarkerMsg:
			if m.Block != p.block {
				return false
			}
			if !m.End {
				p.inBlock = true
				return true
			}
			complete()
			return true
		default:
			if !p.inBlock {
				return false
			}
			if blockAccepts(p.block, msg.Kind()) {
				p.messages = append(p.messages, msg)
				if perr != nil {
					p.parseErrs = append(p.parseErrs, perr)
				}
				return true
			}
			return false
		}
	}

	if msg.Kind() == p.kind {
		p.messages = append(p.messages, msg)
		if perr != nil {
			p.parseErrs = append(p.parseErrs, perr)
		}
		complete()
		return true
	}
	return false
}

func blockAccepts(b wire.Block, k wire.Kind) bool {
	switch b {
	case wire.BlockPositions:
		return k == wire.KindPosition
	case wire.BlockOrders:
		return k == wire.KindOrder
	case wire.BlockTrades:
		return k == wire.KindTrade
	default:
		return false
	}
}

// failPending fails the in-flight command handle after a socket break.
func (c *Conn) failPending() {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	if p != nil {
		p.done <- nil // Send maps nil to ErrConnectionLost
	}
}

func (c *Conn) closeSocket() {
	c.mu.Lock()
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
		c.rd = nil
	}
	c.mu.Unlock()
}
