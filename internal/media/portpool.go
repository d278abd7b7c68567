package media

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrPortsExhausted is returned when every RTP port pair is in use.
var ErrPortsExhausted = errors.New("no rtp ports available")

// Default RTP port range.
const (
	DefaultMinPort = 16384
	DefaultMaxPort = 32767
)

// PortPool hands out RTP/RTCP port pairs. RTP ports are even, RTCP is RTP+1.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool
	allocated map[int]bool
}

// NewPortPool creates a pool covering [minPort, maxPort].
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}
	available := make(map[int]bool)
	for port := minPort; port < maxPort; port += 2 {
		available[port] = true
	}
	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// Allocate reserves the lowest free pair.
func (p *PortPool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return 0, 0, fmt.Errorf("%w (range %d-%d)", ErrPortsExhausted, p.minPort, p.maxPort)
	}
	ports := make([]int, 0, len(p.available))
	for port := range p.available {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	port := ports[0]
	delete(p.available, port)
	p.allocated[port] = true
	return port, port + 1, nil
}

// Release returns a pair to the pool. Unknown ports are ignored.
func (p *PortPool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated[rtpPort] {
		delete(p.allocated, rtpPort)
		p.available[rtpPort] = true
	}
}

// Available returns the number of free pairs.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Allocated returns the number of pairs in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Listen binds a UDP socket on the first allocatable port that is actually
// free on the host. The returned release func closes nothing; it only gives
// the port back to the pool.
func (p *PortPool) Listen(host string) (net.PacketConn, func(), error) {
	var skipped []int
	defer func() {
		for _, port := range skipped {
			p.Release(port)
		}
	}()

	for {
		port, _, err := p.Allocate()
		if err != nil {
			return nil, nil, err
		}
		conn, err := net.ListenPacket("udp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err != nil {
			skipped = append(skipped, port)
			continue
		}
		return conn, func() { p.Release(port) }, nil
	}
}
