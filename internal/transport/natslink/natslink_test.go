package natslink

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"meshalert/internal/domain"
	"meshalert/internal/transport"
	"meshalert/test/testutil"

	"github.com/nats-io/nats.go"
)

func TestSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix  string
		channel string
		want    string
	}{
		{prefix: "meshalert.mesh", channel: "Secure", want: "meshalert.mesh.secure"},
		{prefix: "meshalert.mesh.", channel: "a.b*c>", want: "meshalert.mesh.a_b_c_"},
		{prefix: "", channel: "Open", want: "open"},
		{prefix: "mesh", channel: " ", want: "mesh.default"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.channel); got != tt.want {
			t.Fatalf("Subject(%q,%q)=%q want %q", tt.prefix, tt.channel, got, tt.want)
		}
	}
}

func TestSendBeforeConnect(t *testing.T) {
	t.Parallel()

	link := New("nats-1", Options{URL: []string{"nats://127.0.0.1:1"}}, nil, nil)
	if err := link.Send(context.Background(), "x", "Open"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if link.IsConnected() {
		t.Fatalf("expected disconnected")
	}
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	t.Parallel()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	link := New("nats-1", Options{URL: []string{"nats://127.0.0.1:" + strconv.Itoa(port)}, ConnectTimeout: 200 * time.Millisecond}, nil, nil)
	if err := link.Connect(context.Background()); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if link.Status().State != transport.StateError {
		t.Fatalf("expected error state, got %+v", link.Status())
	}
}

func TestPublishIntegration(t *testing.T) {
	url, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	received := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("meshalert.mesh.>", received); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	link := New("nats-1", Options{URL: []string{url}, SubjectPrefix: "meshalert.mesh", Node: "edge-1"}, nil, nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Disconnect()

	ctx := transport.WithMessageID(context.Background(), "msg-1")
	if err := link.Send(ctx, "WATCHLIST: ABC123", "Secure"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Subject != "meshalert.mesh.secure" {
			t.Fatalf("unexpected subject %q", msg.Subject)
		}
		var env transport.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.ID != "msg-1" || env.Content != "WATCHLIST: ABC123" || env.Node != "edge-1" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for publish")
	}
	if link.Status().Stats.Sent != 1 {
		t.Fatalf("unexpected stats %+v", link.Status().Stats)
	}
}
