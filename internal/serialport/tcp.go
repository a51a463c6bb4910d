package serialport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const tcpScheme = "tcp://"

// tcpPort reaches a device behind a serial-to-TCP bridge such as ser2net.
// A read that hits the deadline returns 0, nil like a serial read timeout.
type tcpPort struct {
	conn    net.Conn
	timeout time.Duration
}

func openTCP(addr string, opts Options) (Port, error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpPort{conn: conn, timeout: normalized.ReadTimeout}, nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.timeout))
	}
	n, err := p.conn.Read(b)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (p *tcpPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *tcpPort) Close() error {
	return p.conn.Close()
}

func isTCP(path string) (string, bool) {
	if strings.HasPrefix(path, tcpScheme) {
		return strings.TrimPrefix(path, tcpScheme), true
	}
	return "", false
}
