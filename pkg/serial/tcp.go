// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package serial

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// TCPPort wraps a TCP connection in the Transport interface. Used to talk
// to a controller simulator listening on a network port.
type TCPPort struct {
	mu      sync.Mutex
	conn    net.Conn
	address string
	timeout time.Duration
	closed  bool
}

// OpenTCP dials a controller simulator at host:port, retrying refused
// connections until the timeout.
func OpenTCP(address string, timeout time.Duration) (*TCPPort, error) {
	if address == "" {
		return nil, errors.New("serial: TCP address required")
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	deadline := time.Now().Add(timeout)
	var conn net.Conn
	var err error
	for time.Now().Before(deadline) {
		conn, err = net.DialTimeout("tcp", address, time.Until(deadline))
		if err == nil {
			break
		}
		// The simulator may not be listening yet.
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}

	return &TCPPort{conn: conn, address: address, timeout: 5 * time.Second}, nil
}

// Read reads up to len(buf) bytes, blocking at most the read timeout.
func (p *TCPPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	conn := p.conn
	timeout := p.timeout
	p.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, ErrTimeout
		}
		return n, err
	}
	return n, nil
}

// Write writes buf to the connection.
func (p *TCPPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	conn := p.conn
	p.mu.Unlock()
	return conn.Write(buf)
}

// Close closes the connection.
func (p *TCPPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// Device returns the remote address.
func (p *TCPPort) Device() string {
	return p.address
}

// SetReadTimeout sets the per-Read timeout.
func (p *TCPPort) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}
