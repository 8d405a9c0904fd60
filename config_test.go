package netcode

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/telemetry"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/transport"
)

type garbageSocket struct {
	fed    chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *garbageSocket) WriteMessage([]byte) error { return nil }

func (s *garbageSocket) ReadMessage() ([]byte, error) {
	select {
	case <-s.fed:
		<-s.closed
		return nil, errors.New("socket closed")
	default:
	}
	close(s.fed)
	return []byte("not an envelope"), nil
}

func (s *garbageSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// The configured logger must reach the transport so frame decode failures are
// diagnosable on a wired client.
func TestConfigForwardsLoggerToTransport(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	cfg := Config{
		Logger: telemetry.LoggerFunc(func(format string, args ...any) {
			mu.Lock()
			lines = append(lines, fmt.Sprintf(format, args...))
			mu.Unlock()
		}),
	}.normalized()

	tcfg := cfg.transportConfig("p1")
	if tcfg.Logger == nil {
		t.Fatalf("transport config lost the client logger")
	}

	tr := transport.New(tcfg)
	t.Cleanup(tr.Close)
	tr.Attach(&garbageSocket{fed: make(chan struct{}), closed: make(chan struct{})})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		logged := len(lines) > 0
		var last string
		if logged {
			last = lines[len(lines)-1]
		}
		mu.Unlock()
		if logged {
			if !strings.Contains(last, "malformed frame") {
				t.Fatalf("unexpected diagnostic %q", last)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("malformed frame was never logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
