package loadnet

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestReadAndSampleWriteContinuousLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	var serverBytes uint64
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		serverBytes, _ = ReadAndSample(ctx, conn, 20*time.Millisecond, func() int64 { return time.Now().UnixMicro() }, func(Sample) {})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pattern := NewPattern(1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	written, err := WriteContinuous(ctx, conn, pattern)
	if err != nil {
		t.Fatalf("WriteContinuous: %v", err)
	}
	conn.Close()
	<-serverDone

	if written == 0 {
		t.Fatal("expected nonzero bytes written")
	}
	if serverBytes == 0 {
		t.Fatal("expected nonzero bytes read")
	}
}

func TestNewPatternDeterministic(t *testing.T) {
	a := NewPattern(7)
	b := NewPattern(7)
	if len(a) != PatternSize || len(b) != PatternSize {
		t.Fatalf("pattern size = %d, want %d", len(a), PatternSize)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different bytes at %d", i)
		}
	}
}
