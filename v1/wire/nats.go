package wire

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"time"

	huuid "github.com/hashicorp/go-uuid"
	nats "github.com/nats-io/nats.go"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
)

const (
	defaultHeartbeatInterval = 250 * time.Millisecond
	defaultLivenessTimeout   = time.Second

	natsCodeIllegalClose = "illegal_close"
)

type natsEnvelope struct {
	Kind     Kind   `json:"k"`
	Identity string `json:"id"`
	Reply    string `json:"r,omitempty"`
}

type natsGrantMsg struct {
	Release   string `json:"rel"`
	Heartbeat string `json:"hb"`
}

type natsReply struct {
	Code string `json:"c,omitempty"`
	Err  string `json:"e,omitempty"`
}

// NATSListenerOptions configures a NATSListener.
type NATSListenerOptions struct {
	// Subject is the base subject the lock protocol runs on.
	Subject string
	// LivenessTimeout is how long a holder may go without a heartbeat
	// before it is considered dead. Defaults to one second.
	LivenessTimeout time.Duration
}

// NATSListener is the owner side of a NATS transport. Requests arrive on
// Subject+".req"; NATS delivers messages from one publisher in order, and a
// single subscription dispatches them sequentially, so the request stream
// preserves arrival order.
type NATSListener struct {
	conn *nats.Conn
	opts NATSListenerOptions
	sub  *nats.Subscription
	reqs chan Request
}

// NewNATSListener subscribes to the request subject and returns a listener.
func NewNATSListener(conn *nats.Conn, opts NATSListenerOptions) (*NATSListener, error) {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = defaultLivenessTimeout
	}
	l := &NATSListener{
		conn: conn,
		opts: opts,
		reqs: make(chan Request, 64),
	}
	sub, err := conn.Subscribe(opts.Subject+".req", func(m *nats.Msg) {
		var env natsEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			return
		}
		reply := env.Reply
		if reply == "" {
			reply = m.Reply
		}
		l.reqs <- &natsRequest{listener: l, env: env, reply: reply}
	})
	if err != nil {
		return nil, err
	}
	l.sub = sub
	return l, nil
}

// Requests implements Listener.Requests.
func (l *NATSListener) Requests() <-chan Request { return l.reqs }

// Close implements Listener.Close.
func (l *NATSListener) Close() error {
	return l.sub.Unsubscribe()
}

type natsRequest struct {
	listener *NATSListener
	env      natsEnvelope
	reply    string

	lifeline chan struct{}
}

func (r *natsRequest) Kind() Kind       { return r.env.Kind }
func (r *natsRequest) Identity() string { return r.env.Identity }

// Grant subscribes release and heartbeat subjects for this turn, arms the
// liveness watchdog and sends the grant to the requester's reply inbox.
func (r *natsRequest) Grant() (Released, error) {
	id, err := huuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	nc := r.listener.conn
	releaseSubj := r.listener.opts.Subject + ".release." + id
	hbSubj := r.listener.opts.Subject + ".heartbeat." + id

	rel := &released{ch: make(chan struct{})}

	r.lifeline = make(chan struct{})
	var lifelineOnce sync.Once
	timeout := r.listener.opts.LivenessTimeout
	watchdog := time.AfterFunc(timeout, func() {
		lifelineOnce.Do(func() { close(r.lifeline) })
	})

	rsub, err := nc.Subscribe(releaseSubj, func(*nats.Msg) {
		rel.Force()
	})
	if err != nil {
		watchdog.Stop()
		return nil, err
	}
	hsub, err := nc.Subscribe(hbSubj, func(*nats.Msg) {
		watchdog.Reset(timeout)
	})
	if err != nil {
		watchdog.Stop()
		_ = rsub.Unsubscribe()
		return nil, err
	}

	go func() {
		<-rel.ch
		watchdog.Stop()
		_ = rsub.Unsubscribe()
		_ = hsub.Unsubscribe()
	}()

	data, err := json.Marshal(natsGrantMsg{Release: releaseSubj, Heartbeat: hbSubj})
	if err != nil {
		return nil, err
	}
	if err := nc.Publish(r.reply, data); err != nil {
		rel.Force()
		return nil, err
	}
	return rel, nil
}

func (r *natsRequest) Ack() error {
	data, _ := json.Marshal(natsReply{})
	return r.listener.conn.Publish(r.reply, data)
}

func (r *natsRequest) Deny(err error) error {
	reply := natsReply{Err: err.Error()}
	if stdErrors.Is(err, terrors.ErrIllegalClose) {
		reply.Code = natsCodeIllegalClose
	}
	data, _ := json.Marshal(reply)
	return r.listener.conn.Publish(r.reply, data)
}

// Lifeline reports holder liveness; it is nil until Grant has armed the
// heartbeat watchdog.
func (r *natsRequest) Lifeline() <-chan struct{} { return r.lifeline }

// NATSConnOptions configures a NATSConn.
type NATSConnOptions struct {
	Subject  string
	Identity string
	// HeartbeatInterval is how often a holder announces liveness. Defaults
	// to 250ms; it must be well under the listener's LivenessTimeout.
	HeartbeatInterval time.Duration
}

// NATSConn is the requester side of a NATS transport.
type NATSConn struct {
	conn *nats.Conn
	opts NATSConnOptions
}

// NewNATSConn returns a requester connection for the given base subject.
func NewNATSConn(conn *nats.Conn, opts NATSConnOptions) *NATSConn {
	if opts.Identity == "" {
		opts.Identity = NewIdentity()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &NATSConn{conn: conn, opts: opts}
}

// Acquire implements Conn.Acquire. The grant subscription outlives the
// caller's wait, so a grant arriving after a timeout is still delivered and
// can be released unused.
func (c *NATSConn) Acquire(ctx context.Context) (<-chan Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan Grant, 1)
	inbox := nats.NewInbox()
	var sub *nats.Subscription
	sub, err := c.conn.Subscribe(inbox, func(m *nats.Msg) {
		var msg natsGrantMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		g := &natsGrant{
			conn:     c.conn,
			release:  msg.Release,
			hb:       msg.Heartbeat,
			interval: c.opts.HeartbeatInterval,
			stop:     make(chan struct{}),
		}
		go g.heartbeat()
		out <- g
		_ = sub.Unsubscribe()
	})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(natsEnvelope{Kind: KindAcquire, Identity: c.opts.Identity, Reply: inbox})
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	if err := c.conn.Publish(c.opts.Subject+".req", data); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return out, nil
}

// SendClose implements Conn.SendClose.
func (c *NATSConn) SendClose(ctx context.Context) error {
	data, err := json.Marshal(natsEnvelope{Kind: KindClose, Identity: c.opts.Identity})
	if err != nil {
		return err
	}
	msg, err := c.conn.RequestWithContext(ctx, c.opts.Subject+".req", data)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return terrors.ErrTimeout
		}
		return err
	}
	var reply natsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return err
	}
	switch {
	case reply.Code == natsCodeIllegalClose:
		return terrors.ErrIllegalClose
	case reply.Err != "":
		return stdErrors.New(reply.Err)
	}
	return nil
}

func (c *NATSConn) Identity() string { return c.opts.Identity }

func (c *NATSConn) Close() error { return nil }

type natsGrant struct {
	conn     *nats.Conn
	release  string
	hb       string
	interval time.Duration
	once     sync.Once
	stop     chan struct{}
}

func (g *natsGrant) heartbeat() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = g.conn.Publish(g.hb, nil)
		case <-g.stop:
			return
		}
	}
}

func (g *natsGrant) Release() {
	g.once.Do(func() {
		close(g.stop)
		_ = g.conn.Publish(g.release, nil)
		_ = g.conn.Flush()
	})
}

// released is the owner-side view of a release token shared by the NATS and
// WebSocket transports.
type released struct {
	once sync.Once
	ch   chan struct{}
}

func (r *released) Done() <-chan struct{} { return r.ch }

func (r *released) Force() {
	r.once.Do(func() { close(r.ch) })
}
