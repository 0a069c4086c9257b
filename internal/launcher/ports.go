package launcher

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// ErrNoPort is returned when no free port can be reserved.
var ErrNoPort = errors.New("unable to allocate")

const allocateAttempts = 20

// PortAllocator hands out free TCP ports for game servers. A port stays
// reserved until Release; the kernel picks candidates by binding :0.
type PortAllocator struct {
	bindHost string

	mu       sync.Mutex
	reserved map[int]bool
}

// NewPortAllocator creates an allocator binding candidates on bindHost.
func NewPortAllocator(bindHost string) *PortAllocator {
	return &PortAllocator{bindHost: bindHost, reserved: make(map[int]bool)}
}

// Allocate reserves a free port. The probe listener is closed before the
// port is handed out, so the child can bind it.
func (a *PortAllocator) Allocate() (int, error) {
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		l, err := net.Listen("tcp", net.JoinHostPort(a.bindHost, "0"))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoPort, err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		a.mu.Lock()
		if !a.reserved[port] {
			a.reserved[port] = true
			a.mu.Unlock()
			slog.Debug("port reserved", "port", port)
			return port, nil
		}
		a.mu.Unlock()
	}
	return 0, ErrNoPort
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	if port == 0 {
		return
	}
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
	slog.Debug("port released", "port", port)
}

// Reserved reports whether port is currently held.
func (a *PortAllocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

func portString(port int) string { return strconv.Itoa(port) }
