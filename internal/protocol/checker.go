package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Checker listens where the daemon normally would and accepts exactly one
// connection from the extension.
type Checker struct {
	addr     string
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	conns chan *Conn

	mu       sync.Mutex
	accepted bool
	rejected int
	conn     *Conn
}

// NewChecker creates a checker for addr. Call Start to listen.
func NewChecker(addr string) *Checker {
	return &Checker{
		addr:  addr,
		conns: make(chan *Conn, 1),
		upgrader: websocket.Upgrader{
			// The extension connects from a chrome-extension:// origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Start binds the listener and serves in the background. A port conflict is
// returned immediately.
func (c *Checker) Start() error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.addr, err)
	}
	c.listener = ln

	mux := http.NewServeMux()
	// The extension dials the bare host:port, so accept any path.
	mux.HandleFunc("/", c.handleWebSocket)
	c.httpServer = &http.Server{Handler: mux}

	go func() {
		log.Printf("protocol: checker listening on %s", ln.Addr())
		if err := c.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("protocol: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (c *Checker) Addr() string {
	if c.listener == nil {
		return c.addr
	}
	return c.listener.Addr().String()
}

// Rejected counts connections refused because one was already accepted.
func (c *Checker) Rejected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// Close stops the server and the accepted connection.
func (c *Checker) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if c.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.httpServer.Shutdown(ctx)
}

func (c *Checker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.accepted {
		c.rejected++
		c.mu.Unlock()
		log.Printf("protocol: refusing extra connection from %s", r.RemoteAddr)
		http.Error(w, "a connection is already established", http.StatusConflict)
		return
	}
	c.accepted = true
	c.mu.Unlock()

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("protocol: upgrade failed: %v", err)
		c.mu.Lock()
		c.accepted = false
		c.mu.Unlock()
		return
	}

	conn := &Conn{ws: ws, Remote: r.RemoteAddr, Origin: r.Header.Get("Origin")}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	log.Printf("protocol: extension connected from %s (origin %q)", conn.Remote, conn.Origin)
	c.conns <- conn
}

// AwaitConnection waits for the extension to connect. Timing out is
// NoResponse.
func (c *Checker) AwaitConnection(ctx context.Context, timeout time.Duration) (*Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case conn := <-c.conns:
		return conn, nil
	case <-timer.C:
		return nil, apperrors.NoResponse("extension connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes msg to conn.
func (c *Checker) Send(conn *Conn, msg Message) error {
	return conn.Send(msg)
}

// Receive reads the next message from conn.
func (c *Checker) Receive(conn *Conn, timeout time.Duration) (Message, error) {
	return conn.Receive(timeout)
}

// CheckAllTabsInfo runs the inventory exchange end to end: wait for the
// extension, send AllTabsInfoRequest, validate the response.
func (c *Checker) CheckAllTabsInfo(ctx context.Context, connectTimeout, responseTimeout time.Duration) (*Inventory, error) {
	conn, err := c.AwaitConnection(ctx, connectTimeout)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Request(Message{Event: EventAllTabsInfoRequest}, responseTimeout)
	if err != nil {
		return nil, err
	}
	return ValidateAllTabsInfo(resp)
}

// Conn is the accepted extension connection.
type Conn struct {
	Remote string
	Origin string

	ws *websocket.Conn

	writeMu sync.Mutex
	// reqMu enforces one outstanding request.
	reqMu sync.Mutex
}

// Send writes one message.
func (conn *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Internal("failed to encode message", err)
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Event, err)
	}
	return nil
}

// Receive reads one message within timeout. A timeout or a closed connection
// is NoResponse; a malformed frame is ProtocolViolation. After a timeout the
// connection is no longer usable.
func (conn *Conn) Receive(timeout time.Duration) (Message, error) {
	return conn.receiveUntil(time.Now().Add(timeout), "message")
}

func (conn *Conn) receiveUntil(deadline time.Time, waitingFor string) (Message, error) {
	if err := conn.ws.SetReadDeadline(deadline); err != nil {
		return Message{}, apperrors.Wrap(apperrors.CodeNoResponse, "connection unusable", err)
	}
	msgType, data, err := conn.ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Message{}, apperrors.NoResponse(waitingFor)
		}
		return Message{}, apperrors.Wrap(apperrors.CodeNoResponse,
			fmt.Sprintf("connection closed while waiting for %s", waitingFor), err)
	}
	if msgType != websocket.TextMessage {
		return Message{}, apperrors.ProtocolViolation(fmt.Sprintf("expected a text frame, got type %d", msgType))
	}
	return Decode(data)
}

// Request sends req and waits for the response whose message name pairs
// with it. Well-formed unrelated events that arrive first are skipped; the
// whole wait is bounded by timeout.
func (conn *Conn) Request(req Message, timeout time.Duration) (Message, error) {
	want, ok := ResponseName(req.Event)
	if !ok {
		return Message{}, apperrors.Internal(fmt.Sprintf("%s is not a request event", req.Event), nil)
	}

	conn.reqMu.Lock()
	defer conn.reqMu.Unlock()

	if err := conn.Send(req); err != nil {
		return Message{}, err
	}
	deadline := time.Now().Add(timeout)
	for {
		msg, err := conn.receiveUntil(deadline, want)
		if err != nil {
			return Message{}, err
		}
		if _, _, name, ok := SplitEvent(msg.Event); ok && name == want {
			return msg, nil
		}
		if strings.HasSuffix(msg.Event, want) {
			// Right name, wrong shape, e.g. "AllTabsInfoResponse" with no namespace.
			return msg, nil
		}
		log.Printf("protocol: skipping unrelated event %s while waiting for %s", msg.Event, want)
	}
}

// Close closes the underlying socket.
func (conn *Conn) Close() error {
	return conn.ws.Close()
}
