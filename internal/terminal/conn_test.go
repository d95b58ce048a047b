package terminal

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketdesk/dasmon/internal/wire"
)

// scriptServer is a minimal terminal stand-in: it authenticates LOGIN
// lines against one password and answers GET commands with canned data.
type scriptServer struct {
	t        *testing.T
	ln       net.Listener
	password string

	mu    sync.Mutex
	conns []net.Conn

	sessions chan net.Conn // one entry per authenticated session

	// loginExtra is appended to the login ack in the same Write, so both
	// land in one TCP segment.
	loginExtra string
}

func newScriptServer(t *testing.T, password string) *scriptServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &scriptServer{t: t, ln: ln, password: password, sessions: make(chan net.Conn, 4)}
	go s.acceptLoop()
	t.Cleanup(func() {
		_ = ln.Close()
		s.dropAll()
	})
	return s
}

func (s *scriptServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *scriptServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *scriptServer) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "LOGIN":
			if len(fields) >= 3 && fields[2] == s.password {
				_, _ = conn.Write([]byte("#LOGIN SUCCESSED\r\n" + s.loginExtra))
				s.sessions <- conn
			} else {
				_, _ = conn.Write([]byte("#LOGIN FAILED invalid credentials\r\n"))
			}
		case "GET":
			if len(fields) < 2 {
				continue
			}
			s.answerGet(conn, fields[1])
		case "QUIT":
			_ = conn.Close()
			return
		}
	}
}

func (s *scriptServer) answerGet(conn net.Conn, what string) {
	switch what {
	case "POSITIONS":
		_, _ = conn.Write([]byte("#POS\r\n" +
			"%POS AAPL 2 100 150.25 100 150.25 0.00 09:31:05 12.50\r\n" +
			"%POS TSLA 3 50 220.00 50 220.00 -5.00 10:02:11\r\n" +
			"#POSEND\r\n"))
	case "ORDERS":
		_, _ = conn.Write([]byte("#ORDER\r\n#ORDEREND\r\n"))
	case "AccountInfo":
		_, _ = conn.Write([]byte("$AccountInfo 10000.00 10500.00 300.00 200.00 500.00 0.00 1.25 0.50 2.00 4.50\r\n"))
	case "BP":
		_, _ = conn.Write([]byte("BP 40000.00 20000.00\r\n"))
	}
}

// push writes a raw line on the most recent authenticated session.
func (s *scriptServer) push(t *testing.T, line string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	_, err := s.conns[len(s.conns)-1].Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

// dropAll closes every server-side socket, simulating a terminal crash.
func (s *scriptServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func testConn(t *testing.T, s *scriptServer, password string) *Conn {
	t.Helper()
	return New(Config{
		Host:           "127.0.0.1",
		Port:           s.port(),
		Username:       "user1",
		Password:       password,
		Account:        "TR100",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
		BackoffBase:    10 * time.Millisecond,
		BackoffCap:     50 * time.Millisecond,
	}, zap.NewNop())
}

func awaitSession(t *testing.T, s *scriptServer) net.Conn {
	t.Helper()
	select {
	case conn := <-s.sessions:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no authenticated session")
		return nil
	}
}

func TestStartRejectedCredentials(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "wrong")

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStartAndSendBlockCommand(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "secret")

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	awaitSession(t, s)
	assert.Equal(t, StateConnected, c.State())

	resp, err := c.Send(context.Background(), wire.CmdGetPosition, "TR100")
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)

	first, ok := resp.Messages[0].(wire.PositionMsg)
	require.True(t, ok)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.True(t, resp.Messages[1].(wire.PositionMsg).Short)
	assert.Empty(t, resp.ParseErrs)
}

func TestSendSingleLineCommand(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "secret")

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	awaitSession(t, s)

	resp, err := c.Send(context.Background(), wire.CmdGetBP, "TR100")
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, 40000.00, resp.Messages[0].(wire.BuyingPowerMsg).Current)
}

func TestSendUnsupportedCommand(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "secret")

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	awaitSession(t, s)

	_, err := c.Send(context.Background(), "NEWORDER")
	assert.Error(t, err)
}

func TestPushLinesDelivered(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "secret")

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	awaitSession(t, s)

	s.push(t, "%TRADE E501 AAPL B 100 150.30 ARCA 09:31:04 O1000 A 0.35 0.00")

	select {
	case ev := <-c.Push():
		tr, ok := ev.Msg.(wire.TradeMsg)
		require.True(t, ok)
		assert.Equal(t, "E501", tr.ExecID)
		assert.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("push event not delivered")
	}
}

func TestPushLineBundledWithLoginAck(t *testing.T) {
	s := newScriptServer(t, "secret")
	s.loginExtra = "%TRADE E900 AAPL B 100 150.30 ARCA 09:31:04 O1 A 0.35 0.00\r\n"
	c := testConn(t, s, "secret")

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	awaitSession(t, s)

	// The trade arrived in the same segment as the ack; it must still
	// reach the push stream.
	select {
	case ev := <-c.Push():
		tr, ok := ev.Msg.(wire.TradeMsg)
		require.True(t, ok)
		assert.Equal(t, "E900", tr.ExecID)
	case <-time.After(2 * time.Second):
		t.Fatal("bundled push line was dropped")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "secret")

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	awaitSession(t, s)

	s.dropAll()

	// A fresh session is established and the re-poll signal fires.
	awaitSession(t, s)
	select {
	case <-c.Reconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("reconnected signal not delivered")
	}

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := c.Send(context.Background(), wire.CmdGetBP, "TR100")
	require.NoError(t, err)
	assert.Len(t, resp.Messages, 1)
}

func TestSendWhileDisconnected(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "secret")

	_, err := c.Send(context.Background(), wire.CmdGetBP, "TR100")
	assert.ErrorIs(t, err, ErrConnectionLost)

	_ = s // server untouched, nothing connected
}

func TestCloseShutsDownPushStream(t *testing.T) {
	s := newScriptServer(t, "secret")
	c := testConn(t, s, "secret")

	require.NoError(t, c.Start(context.Background()))
	awaitSession(t, s)
	require.NoError(t, c.Close())

	select {
	case _, open := <-c.Push():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("push channel not closed on shutdown")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestTokensAreMonotonic(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1}, zap.NewNop())
	a := c.NextToken()
	b := c.NextToken()
	assert.Equal(t, a+1, b)
}
