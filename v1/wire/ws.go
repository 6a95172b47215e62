package wire

import (
	"context"
	stdErrors "errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
)

const (
	defaultPingInterval = 5 * time.Second

	wsCodeIllegalClose = "illegal_close"
)

var upgrader = websocket.Upgrader{}

// WSListenerOptions configures a WSListener.
type WSListenerOptions struct {
	// PingInterval is how often the owner pings each requester connection.
	// A connection missing two intervals worth of pongs is considered dead.
	// Defaults to five seconds.
	PingInterval time.Duration
}

// WSListener is the owner side of a WebSocket transport. It is an
// http.Handler: each requester context dials it once and keeps the
// connection for its lifetime, so a dropped connection is the requester's
// lifeline. Requests from all connections funnel into one channel in read
// order.
type WSListener struct {
	opts WSListenerOptions
	reqs chan Request

	mu        sync.Mutex
	sessions  map[*wsSession]struct{}
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSListener returns a new WebSocket listener.
func NewWSListener(opts WSListenerOptions) *WSListener {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &WSListener{
		opts:     opts,
		reqs:     make(chan Request, 64),
		sessions: make(map[*wsSession]struct{}),
		done:     make(chan struct{}),
	}
}

// ServeHTTP implements http.Handler. The requester identity travels in the
// "identity" query parameter set by DialWS.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &wsSession{
		listener: l,
		conn:     conn,
		identity: identity,
		lifeline: make(chan struct{}),
		granted:  make(map[[16]byte]*released),
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.sessions[s] = struct{}{}
	l.mu.Unlock()
	go s.pingLoop()
	go s.readLoop()
}

// Requests implements Listener.Requests.
func (l *WSListener) Requests() <-chan Request { return l.reqs }

// Close implements Listener.Close and drops all requester connections.
func (l *WSListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.mu.Lock()
	l.closed = true
	sessions := make([]*wsSession, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
	return nil
}

// wsSession is the owner-side state for one requester connection.
type wsSession struct {
	listener *WSListener
	conn     *websocket.Conn
	identity string

	writeMu sync.Mutex

	lifelineOnce sync.Once
	lifeline     chan struct{}

	mu      sync.Mutex
	granted map[[16]byte]*released
}

func (s *wsSession) readLoop() {
	defer s.die()
	pongWait := 2 * s.listener.opts.PingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var p packet
		if err := p.unmarshal(data); err != nil {
			continue
		}
		switch p.Type {
		case typeAcquire:
			s.deliver(&wsRequest{session: s, kind: KindAcquire, id: p.ID})
		case typeClose:
			s.deliver(&wsRequest{session: s, kind: KindClose, id: p.ID})
		case typeRelease:
			s.mu.Lock()
			rel := s.granted[p.ID]
			s.mu.Unlock()
			if rel != nil {
				rel.Force()
			}
		}
	}
}

func (s *wsSession) deliver(req Request) {
	select {
	case s.listener.reqs <- req:
	case <-s.listener.done:
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(s.listener.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.listener.opts.PingInterval)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.lifeline:
			return
		case <-s.listener.done:
			return
		}
	}
}

// die marks the requester dead: the lifeline closes and every grant that
// was never released is force-fulfilled so the owner's queue advances.
func (s *wsSession) die() {
	s.lifelineOnce.Do(func() { close(s.lifeline) })
	s.mu.Lock()
	granted := make([]*released, 0, len(s.granted))
	for _, rel := range s.granted {
		granted = append(granted, rel)
	}
	s.granted = make(map[[16]byte]*released)
	s.mu.Unlock()
	for _, rel := range granted {
		rel.Force()
	}
	s.listener.mu.Lock()
	delete(s.listener.sessions, s)
	s.listener.mu.Unlock()
	_ = s.conn.Close()
}

func (s *wsSession) write(p packet) error {
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, buf[:n])
}

type wsRequest struct {
	session *wsSession
	kind    Kind
	id      [16]byte
}

func (r *wsRequest) Kind() Kind       { return r.kind }
func (r *wsRequest) Identity() string { return r.session.identity }

func (r *wsRequest) Grant() (Released, error) {
	rel := &released{ch: make(chan struct{})}
	s := r.session
	s.mu.Lock()
	s.granted[r.id] = rel
	s.mu.Unlock()
	go func() {
		<-rel.ch
		s.mu.Lock()
		delete(s.granted, r.id)
		s.mu.Unlock()
	}()
	if err := s.write(packet{Magic: magicByte, Type: typeGrant, ID: r.id}); err != nil {
		rel.Force()
		return nil, err
	}
	return rel, nil
}

func (r *wsRequest) Ack() error {
	return r.session.write(packet{Magic: magicByte, Type: typeAck, ID: r.id})
}

func (r *wsRequest) Deny(err error) error {
	payload := []byte(err.Error())
	if stdErrors.Is(err, terrors.ErrIllegalClose) {
		payload = []byte(wsCodeIllegalClose)
	}
	return r.session.write(packet{Magic: magicByte, Type: typeDeny, ID: r.id, Payload: payload})
}

func (r *wsRequest) Lifeline() <-chan struct{} { return r.session.lifeline }

// WSConnOptions configures a requester-side WebSocket connection.
type WSConnOptions struct {
	// URL is the ws:// or wss:// endpoint of the owner's WSListener.
	URL      string
	Identity string
}

// WSConn is the requester side of a WebSocket transport.
type WSConn struct {
	conn     *websocket.Conn
	identity string

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[[16]byte]chan Grant
	replies  map[[16]byte]chan error
	dead     bool
	deadOnce sync.Once
	done     chan struct{}
}

// DialWS connects to a lock owner's WSListener.
func DialWS(ctx context.Context, opts WSConnOptions) (*WSConn, error) {
	if opts.Identity == "" {
		opts.Identity = NewIdentity()
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("identity", opts.Identity)
	u.RawQuery = q.Encode()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c := &WSConn{
		conn:     conn,
		identity: opts.Identity,
		pending:  make(map[[16]byte]chan Grant),
		replies:  make(map[[16]byte]chan error),
		done:     make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		deadline := time.Now().Add(time.Second)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})
	go c.readLoop()
	return c, nil
}

func (c *WSConn) readLoop() {
	defer c.markDead()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var p packet
		if err := p.unmarshal(data); err != nil {
			continue
		}
		switch p.Type {
		case typeGrant:
			c.mu.Lock()
			ch := c.pending[p.ID]
			delete(c.pending, p.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- &wsGrant{conn: c, id: p.ID}
			}
		case typeAck, typeDeny:
			var err error
			if p.Type == typeDeny {
				if string(p.Payload) == wsCodeIllegalClose {
					err = terrors.ErrIllegalClose
				} else {
					err = stdErrors.New(string(p.Payload))
				}
			}
			c.mu.Lock()
			ch := c.replies[p.ID]
			delete(c.replies, p.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- err
			}
		}
	}
}

func (c *WSConn) markDead() {
	c.deadOnce.Do(func() {
		c.mu.Lock()
		c.dead = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *WSConn) write(p packet) error {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return terrors.ErrConnectionClosed
	}
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, buf[:n])
}

// Acquire implements Conn.Acquire.
func (c *WSConn) Acquire(ctx context.Context) (<-chan Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := [16]byte(uuid.New())
	out := make(chan Grant, 1)
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, terrors.ErrConnectionClosed
	}
	c.pending[id] = out
	c.mu.Unlock()
	if err := c.write(packet{Magic: magicByte, Type: typeAcquire, ID: id, Payload: []byte(c.identity)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	return out, nil
}

// SendClose implements Conn.SendClose.
func (c *WSConn) SendClose(ctx context.Context) error {
	id := [16]byte(uuid.New())
	reply := make(chan error, 1)
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return terrors.ErrConnectionClosed
	}
	c.replies[id] = reply
	c.mu.Unlock()
	if err := c.write(packet{Magic: magicByte, Type: typeClose, ID: id, Payload: []byte(c.identity)}); err != nil {
		c.mu.Lock()
		delete(c.replies, id)
		c.mu.Unlock()
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return terrors.ErrConnectionClosed
	case <-ctx.Done():
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return terrors.ErrTimeout
		}
		return ctx.Err()
	}
}

func (c *WSConn) Identity() string { return c.identity }

// Close drops the connection. Any grant still held by this requester is
// force-released by the owner once the drop is observed.
func (c *WSConn) Close() error {
	c.markDead()
	return c.conn.Close()
}

type wsGrant struct {
	conn *WSConn
	id   [16]byte
	once sync.Once
}

func (g *wsGrant) Release() {
	g.once.Do(func() {
		_ = g.conn.write(packet{Magic: magicByte, Type: typeRelease, ID: g.id})
	})
}
