package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartNATSServer starts an embedded NATS server with JetStream enabled on a
// random local port. It is shut down when the test ends.
func StartNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}
	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

// MockPublisher records published messages in memory. Its Publish method
// matches natsclient.Client.
type MockPublisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	closed   bool
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{messages: make(map[string][][]byte)}
}

// Publish records data under subject.
func (p *MockPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher is closed")
	}
	p.messages[subject] = append(p.messages[subject], append([]byte(nil), data...))
	return nil
}

// Messages returns a copy of the messages recorded for subject.
func (p *MockPublisher) Messages(subject string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([][]byte(nil), p.messages[subject]...)
}

// Subjects returns every subject that received at least one message.
func (p *MockPublisher) Subjects() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.messages))
	for s := range p.messages {
		out = append(out, s)
	}
	return out
}

// Close makes later Publish calls fail.
func (p *MockPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// WaitFor polls cond every 10ms until it holds or timeout expires.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout after %v: %s", timeout, msg)
}
