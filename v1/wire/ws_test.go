package wire

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
)

func newWSPair(t *testing.T, lopts WSListenerOptions) (*WSListener, *WSConn) {
	t.Helper()
	ln := NewWSListener(lopts)
	srv := httptest.NewServer(ln)
	t.Cleanup(func() {
		_ = ln.Close()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := DialWS(context.Background(), WSConnOptions{URL: url, Identity: "holder-a"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return ln, conn
}

func TestWSAcquireGrantRelease(t *testing.T) {
	ln, conn := newWSPair(t, WSListenerOptions{})

	grants, err := conn.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var req Request
	select {
	case req = <-ln.Requests():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for request")
	}
	if req.Kind() != KindAcquire || req.Identity() != "holder-a" {
		t.Fatalf("unexpected request: kind=%v identity=%q", req.Kind(), req.Identity())
	}

	rel, err := req.Grant()
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	var g Grant
	select {
	case g = <-grants:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for grant")
	}

	g.Release()
	select {
	case <-rel.Done():
	case <-time.After(time.Second):
		t.Fatal("release not observed by owner")
	}
}

func TestWSDroppedConnectionClosesLifeline(t *testing.T) {
	ln, conn := newWSPair(t, WSListenerOptions{})

	grants, err := conn.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	req := <-ln.Requests()
	rel, err := req.Grant()
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	<-grants

	_ = conn.Close()

	select {
	case <-req.Lifeline():
	case <-time.After(time.Second):
		t.Fatal("lifeline did not close on connection drop")
	}
	// Dropping the holder force-fulfills its outstanding grant.
	select {
	case <-rel.Done():
	case <-time.After(time.Second):
		t.Fatal("grant not force-released on connection drop")
	}
}

func TestWSMissingIdentityRejected(t *testing.T) {
	ln := NewWSListener(WSListenerOptions{})
	srv := httptest.NewServer(ln)
	t.Cleanup(func() {
		_ = ln.Close()
		srv.Close()
	})
	// A raw dial without the identity query parameter must be refused
	// before the upgrade.
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("expected dial to fail without identity")
	}
}

func TestWSSendCloseAckAndDeny(t *testing.T) {
	ln, conn := newWSPair(t, WSListenerOptions{})

	go func() {
		req := <-ln.Requests()
		_ = req.Ack()
		req = <-ln.Requests()
		_ = req.Deny(terrors.ErrIllegalClose)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.SendClose(ctx); err != nil {
		t.Fatalf("send close: %v", err)
	}
	if err := conn.SendClose(ctx); !errors.Is(err, terrors.ErrIllegalClose) {
		t.Fatalf("expected ErrIllegalClose, got %v", err)
	}
}

func TestWSAcquireAfterCloseFails(t *testing.T) {
	_, conn := newWSPair(t, WSListenerOptions{})
	_ = conn.Close()
	if _, err := conn.Acquire(context.Background()); !errors.Is(err, terrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if err := conn.SendClose(context.Background()); !errors.Is(err, terrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestWSPongKeepsConnectionAlive(t *testing.T) {
	ln, conn := newWSPair(t, WSListenerOptions{PingInterval: 50 * time.Millisecond})

	grants, err := conn.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	req := <-ln.Requests()
	if _, err := req.Grant(); err != nil {
		t.Fatalf("grant: %v", err)
	}
	g := <-grants

	// Several ping intervals pass; the pong handler must keep the session up.
	select {
	case <-req.Lifeline():
		t.Fatal("lifeline closed despite pongs")
	case <-time.After(300 * time.Millisecond):
	}
	g.Release()
}
