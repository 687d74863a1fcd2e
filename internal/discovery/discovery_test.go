package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/crusader-net/crusader/pkg/protocol"
)

func TestHelloRoundTrip(t *testing.T) {
	h := Hello{Port: 7575, Protocol: protocol.ProtocolVersion}
	decoded, ok := unmarshalHello(marshalHello(h))
	if !ok {
		t.Fatal("expected a well-formed hello to decode")
	}
	if decoded != h {
		t.Errorf("got %+v, want %+v", decoded, h)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	r := Reply{Hostname: "test-host", Protocol: protocol.ProtocolVersion}
	decoded, ok := unmarshalReply(marshalReply(r))
	if !ok {
		t.Fatal("expected a well-formed reply to decode")
	}
	if decoded != r {
		t.Errorf("got %+v, want %+v", decoded, r)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, ok := unmarshalHello([]byte("not a hello")); ok {
		t.Error("expected garbage to be rejected")
	}
	if _, ok := unmarshalReply([]byte("not a reply")); ok {
		t.Error("expected garbage to be rejected")
	}
}

func TestListenAndDiscoverOverLoopback(t *testing.T) {
	port := uint16(19210)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- Listen(ctx, port) }()
	time.Sleep(50 * time.Millisecond)

	discoverCtx, discoverCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer discoverCancel()

	found, err := Discover(discoverCtx, port)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if found.Hostname == "" {
		t.Error("expected a hostname in the discovered reply")
	}
}
