package transport

import (
	"bytes"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/serial"

	"tracker-service/internal/logger"
)

// ===== Test helpers =====

// fakePort feeds scripted response chunks and records writes. A nil
// chunk simulates a read timeout.
type fakePort struct {
	mu       sync.Mutex
	written  bytes.Buffer
	chunks   [][]byte
	readGate chan struct{} // when non-nil, Read blocks until closed
	closed   bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readGate != nil {
		<-p.readGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return 0, serial.ErrTimeout
	}
	chunk := p.chunks[0]
	p.chunks = p.chunks[1:]
	if chunk == nil {
		return 0, serial.ErrTimeout
	}
	n := copy(b, chunk)
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(log.New(os.Stderr, "", 0), logger.LogLevelNone)
}

func untilOK(buf []byte) bool {
	return bytes.Contains(buf, []byte("OK\r\n"))
}

// ===== Exchange =====

func TestExchangeCollectsUntilTerminator(t *testing.T) {
	port := &fakePort{chunks: [][]byte{[]byte("AT\r\r\n"), nil, []byte("OK\r\n")}}
	g := NewGuard(port, testLogger(), 100*time.Millisecond, 10*time.Millisecond)

	resp, err := g.Exchange([]byte("AT\r\n"), untilOK, time.Second)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !bytes.Contains(resp, []byte("OK")) {
		t.Errorf("response %q missing terminator", resp)
	}
	if got := port.written.String(); got != "AT\r\n" {
		t.Errorf("wrote %q, want AT\\r\\n", got)
	}
}

func TestExchangeTimesOutWithoutTerminator(t *testing.T) {
	port := &fakePort{}
	g := NewGuard(port, testLogger(), 100*time.Millisecond, 10*time.Millisecond)

	_, err := g.Exchange([]byte("AT\r\n"), untilOK, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

// ===== Acquisition =====

func TestAcquisitionFailsClosedWhenHeld(t *testing.T) {
	gate := make(chan struct{})
	port := &fakePort{readGate: gate}
	g := NewGuard(port, testLogger(), 20*time.Millisecond, 10*time.Millisecond)

	started := make(chan struct{})
	released := make(chan struct{})
	go func() {
		close(started)
		g.Exchange([]byte("slow\r\n"), untilOK, 500*time.Millisecond)
		close(released)
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // let the holder past acquire

	if _, err := g.Exchange([]byte("fast\r\n"), untilOK, time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	close(gate)
	<-released
}

func TestReleaseExactlyOncePerExchange(t *testing.T) {
	port := &fakePort{}
	g := NewGuard(port, testLogger(), time.Second, 10*time.Millisecond)

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				// every exchange times out; release must still happen
				g.Exchange([]byte("AT\r\n"), untilOK, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	st := g.Stats()
	if st.Acquired != workers*perWorker {
		t.Errorf("acquired = %d, want %d", st.Acquired, workers*perWorker)
	}
	if st.Released != st.Acquired {
		t.Errorf("released = %d, acquired = %d, must match", st.Released, st.Acquired)
	}

	// the port must be free again
	if _, err := g.Exchange(nil, func([]byte) bool { return true }, time.Second); err != nil {
		t.Fatalf("port should be free after all exchanges, got: %v", err)
	}
}

func TestReleaseOnWriteError(t *testing.T) {
	port := &errPort{}
	g := NewGuard(port, testLogger(), time.Second, 10*time.Millisecond)

	if _, err := g.Exchange([]byte("AT\r\n"), untilOK, time.Second); err == nil {
		t.Fatal("expected write error")
	}
	st := g.Stats()
	if st.Released != st.Acquired {
		t.Errorf("released = %d, acquired = %d after error path", st.Released, st.Acquired)
	}
}

type errPort struct{}

func (p *errPort) Read(b []byte) (int, error)  { return 0, serial.ErrTimeout }
func (p *errPort) Write(b []byte) (int, error) { return 0, errors.New("boom") }
func (p *errPort) Close() error                { return nil }

// ===== Flush =====

func TestFlushDrainsStaleBytes(t *testing.T) {
	port := &fakePort{chunks: [][]byte{[]byte("stale"), []byte("bytes")}}
	g := NewGuard(port, testLogger(), time.Second, 10*time.Millisecond)

	if err := g.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	port.mu.Lock()
	remaining := len(port.chunks)
	port.mu.Unlock()
	if remaining != 0 {
		t.Errorf("flush left %d chunks unread", remaining)
	}
}
