package wire

import (
	"context"
	"errors"
	"testing"
	"time"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
)

func TestInMemAcquireGrantRelease(t *testing.T) {
	tr := NewInMem()
	conn := tr.Dial(context.Background(), "holder-a")

	grants, err := conn.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var req Request
	select {
	case req = <-tr.Requests():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for request")
	}
	if req.Kind() != KindAcquire {
		t.Fatalf("expected KindAcquire, got %v", req.Kind())
	}
	if req.Identity() != "holder-a" {
		t.Fatalf("expected identity holder-a, got %q", req.Identity())
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

	select {
	case <-rel.Done():
		t.Fatal("released before the requester let go")
	default:
	}
	g.Release()
	select {
	case <-rel.Done():
	case <-time.After(time.Second):
		t.Fatal("release not observed by owner")
	}
}

func TestInMemReleaseIdempotent(t *testing.T) {
	tr := NewInMem()
	conn := tr.Dial(context.Background(), "holder-a")
	grants, err := conn.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	req := <-tr.Requests()
	rel, err := req.Grant()
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	g := <-grants
	g.Release()
	g.Release()
	<-rel.Done()
}

func TestInMemRequestOrderAcrossConns(t *testing.T) {
	tr := NewInMem()
	a := tr.Dial(context.Background(), "a")
	b := tr.Dial(context.Background(), "b")

	if _, err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if _, err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire a again: %v", err)
	}

	want := []string{"a", "b", "a"}
	for i, id := range want {
		req := <-tr.Requests()
		if req.Identity() != id {
			t.Fatalf("request %d: expected identity %q, got %q", i, id, req.Identity())
		}
	}
}

func TestInMemLifelineIsDialContext(t *testing.T) {
	tr := NewInMem()
	ctx, cancel := context.WithCancel(context.Background())
	conn := tr.Dial(ctx, "holder-a")
	if _, err := conn.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	req := <-tr.Requests()
	select {
	case <-req.Lifeline():
		t.Fatal("lifeline closed while requester alive")
	default:
	}
	cancel()
	select {
	case <-req.Lifeline():
	case <-time.After(time.Second):
		t.Fatal("lifeline did not close on context cancel")
	}
}

func TestInMemSendAfterCloseFails(t *testing.T) {
	tr := NewInMem()
	conn := tr.Dial(context.Background(), "holder-a")
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := conn.Acquire(context.Background()); !errors.Is(err, terrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if err := conn.SendClose(context.Background()); !errors.Is(err, terrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestInMemSendCloseRoundTrip(t *testing.T) {
	tr := NewInMem()
	conn := tr.Dial(context.Background(), "owner")

	go func() {
		req := <-tr.Requests()
		if req.Kind() != KindClose {
			_ = req.Deny(errors.New("unexpected kind"))
			return
		}
		_ = req.Ack()
	}()
	if err := conn.SendClose(context.Background()); err != nil {
		t.Fatalf("send close: %v", err)
	}
}

func TestInMemSendCloseDenied(t *testing.T) {
	tr := NewInMem()
	conn := tr.Dial(context.Background(), "stranger")
	go func() {
		req := <-tr.Requests()
		_ = req.Deny(terrors.ErrIllegalClose)
	}()
	if err := conn.SendClose(context.Background()); !errors.Is(err, terrors.ErrIllegalClose) {
		t.Fatalf("expected ErrIllegalClose, got %v", err)
	}
}

func TestInMemDialGeneratesIdentity(t *testing.T) {
	tr := NewInMem()
	conn := tr.Dial(context.Background(), "")
	if conn.Identity() == "" {
		t.Fatal("expected generated identity")
	}
}
