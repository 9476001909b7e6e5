// mock-grbl simulates a GRBL v1.1 controller for testing the host without
// hardware. It implements the line/acknowledgement protocol with a
// fixed-size receive buffer, real-time command bytes (status query,
// feed-hold, resume, soft reset, overrides), status reports, homing,
// unlock and jogging.
//
// Usage:
//
//	mock-grbl -listen 127.0.0.1:8333 [-rx-buffer 128] [-exec-delay 2ms]
//	mock-grbl -socket /tmp/mock-grbl.sock
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const banner = "Grbl 1.1h ['$' for help]"

// Real-time command bytes.
const (
	cmdStatus      = '?'
	cmdCycle       = '~'
	cmdHold        = '!'
	cmdReset       = 0x18
	feedReset      = 0x90
	feedPlus10     = 0x91
	feedMinus10    = 0x92
	feedPlus1      = 0x93
	feedMinus1     = 0x94
	rapid100       = 0x95
	rapid50        = 0x96
	rapid25        = 0x97
	spindleReset   = 0x99
	spindlePlus10  = 0x9A
	spindleMinus10 = 0x9B
	spindlePlus1   = 0x9C
	spindleMinus1  = 0x9D
)

type controller struct {
	mu sync.Mutex

	state     string // Idle, Run, Hold, Jog, Home, Alarm
	x, y, z   float64
	feed      float64
	spindle   float64
	feedOv    int
	rapidOv   int
	spindleOv int

	rxBuffer int
	rxUsed   int
	pending  []string // received, unexecuted lines (with lengths implied)

	execDelay time.Duration
	trace     bool

	out   net.Conn
	outMu sync.Mutex

	wake chan struct{} // kicks the executor
}

func newController(rxBuffer int, execDelay time.Duration, trace bool) *controller {
	return &controller{
		state:     "Idle",
		feedOv:    100,
		rapidOv:   100,
		spindleOv: 100,
		rxBuffer:  rxBuffer,
		execDelay: execDelay,
		trace:     trace,
		wake:      make(chan struct{}, 1),
	}
}

func (c *controller) send(line string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.out != nil {
		fmt.Fprintf(c.out, "%s\r\n", line)
	}
}

func (c *controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// handleByte processes one received byte. Real-time bytes act immediately;
// everything else accumulates into the line buffer.
func (c *controller) handleByte(b byte, lineBuf *[]byte) {
	switch b {
	case cmdStatus:
		c.send(c.statusReport())
	case cmdHold:
		c.mu.Lock()
		if c.state == "Run" || c.state == "Jog" {
			c.state = "Hold"
		}
		c.mu.Unlock()
	case cmdCycle:
		c.mu.Lock()
		if c.state == "Hold" {
			c.state = "Run"
		}
		c.mu.Unlock()
		c.kick()
	case cmdReset:
		c.mu.Lock()
		c.pending = nil
		c.rxUsed = 0
		c.state = "Idle"
		c.mu.Unlock()
		*lineBuf = (*lineBuf)[:0]
		c.send(banner)
	case feedReset:
		c.setOverride(&c.feedOv, 100, 0)
	case feedPlus10:
		c.setOverride(&c.feedOv, 0, 10)
	case feedMinus10:
		c.setOverride(&c.feedOv, 0, -10)
	case feedPlus1:
		c.setOverride(&c.feedOv, 0, 1)
	case feedMinus1:
		c.setOverride(&c.feedOv, 0, -1)
	case rapid100:
		c.setOverride(&c.rapidOv, 100, 0)
	case rapid50:
		c.setOverride(&c.rapidOv, 50, 0)
	case rapid25:
		c.setOverride(&c.rapidOv, 25, 0)
	case spindleReset:
		c.setOverride(&c.spindleOv, 100, 0)
	case spindlePlus10:
		c.setOverride(&c.spindleOv, 0, 10)
	case spindleMinus10:
		c.setOverride(&c.spindleOv, 0, -10)
	case spindlePlus1:
		c.setOverride(&c.spindleOv, 0, 1)
	case spindleMinus1:
		c.setOverride(&c.spindleOv, 0, -1)
	case '\n':
		line := strings.TrimRight(string(*lineBuf), "\r")
		*lineBuf = (*lineBuf)[:0]
		c.enqueue(line, len(line)+1)
	default:
		*lineBuf = append(*lineBuf, b)
	}
}

// setOverride applies an absolute value or a delta, clamped to [10, 200].
func (c *controller) setOverride(target *int, abs, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := *target
	if abs != 0 {
		v = abs
	} else {
		v += delta
	}
	if v < 10 {
		v = 10
	}
	if v > 200 {
		v = 200
	}
	*target = v
}

// enqueue buffers one received line, modeling the rx buffer. A host that
// respects character counting never overflows; overflow is reported loudly
// because it indicates a host flow-control bug.
func (c *controller) enqueue(line string, wireLen int) {
	c.mu.Lock()
	if c.rxUsed+wireLen > c.rxBuffer {
		fmt.Fprintf(os.Stderr, "mock-grbl: RX BUFFER OVERFLOW (%d+%d > %d): %q\n",
			c.rxUsed, wireLen, c.rxBuffer, line)
	}
	c.rxUsed += wireLen
	c.pending = append(c.pending, line)
	c.mu.Unlock()
	c.kick()
}

// execLoop pops buffered lines, simulates execution and acknowledges.
func (c *controller) execLoop() {
	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.pending) == 0 || c.state == "Hold" {
				c.mu.Unlock()
				break
			}
			line := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			ack := c.execute(line)

			c.mu.Lock()
			c.rxUsed -= len(line) + 1
			if c.rxUsed < 0 {
				c.rxUsed = 0
			}
			c.mu.Unlock()

			c.send(ack)
		}
	}
}

// execute simulates one command line and returns its acknowledgement.
func (c *controller) execute(line string) string {
	if c.trace {
		fmt.Fprintf(os.Stderr, "mock-grbl: exec %q\n", line)
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "ok"
	}

	c.mu.Lock()
	alarmed := c.state == "Alarm"
	c.mu.Unlock()

	switch {
	case trimmed == "$H":
		if alarmed {
			return "error:9"
		}
		c.mu.Lock()
		c.state = "Home"
		c.mu.Unlock()
		time.Sleep(5 * c.execDelay)
		c.mu.Lock()
		c.x, c.y, c.z = 0, 0, 0
		c.state = "Idle"
		c.mu.Unlock()
		return "ok"

	case trimmed == "$X":
		c.mu.Lock()
		c.state = "Idle"
		c.mu.Unlock()
		return "ok"

	case strings.HasPrefix(trimmed, "$J="):
		if alarmed {
			return "error:9"
		}
		c.mu.Lock()
		c.state = "Jog"
		c.applyMotionLocked(strings.TrimPrefix(trimmed, "$J="))
		c.mu.Unlock()
		time.Sleep(c.execDelay)
		c.mu.Lock()
		if c.state == "Jog" {
			c.state = "Idle"
		}
		c.mu.Unlock()
		return "ok"

	case strings.HasPrefix(trimmed, "$"):
		return "error:3"
	}

	if alarmed {
		// Locked out: only homing and unlock are accepted.
		return "error:9"
	}

	// Regular g-code line.
	c.mu.Lock()
	prev := c.state
	if prev == "Idle" {
		c.state = "Run"
	}
	c.applyMotionLocked(trimmed)
	c.mu.Unlock()

	time.Sleep(c.execDelay)

	c.mu.Lock()
	if c.state == "Run" && len(c.pending) == 0 {
		c.state = "Idle"
	}
	c.mu.Unlock()
	return "ok"
}

// applyMotionLocked folds a motion line's axis/feed/spindle words into the
// simulated state. Words may be space-separated or joined (G91X5Y-2F600).
// Callers hold c.mu.
func (c *controller) applyMotionLocked(line string) {
	i := 0
	for i < len(line) {
		letter := line[i]
		i++
		start := i
		for i < len(line) && (line[i] == '-' || line[i] == '+' || line[i] == '.' ||
			(line[i] >= '0' && line[i] <= '9')) {
			i++
		}
		val, err := strconv.ParseFloat(line[start:i], 64)
		if err != nil {
			continue
		}
		switch letter {
		case 'X':
			c.x = val
		case 'Y':
			c.y = val
		case 'Z':
			c.z = val
		case 'F':
			c.feed = val
		case 'S':
			c.spindle = val
		}
	}
}

// statusReport renders the <...> report line.
func (c *controller) statusReport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := c.rxBuffer - c.rxUsed
	if free < 0 {
		free = 0
	}
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f|FS:%.0f,%.0f|Ov:%d,%d,%d|Bf:15,%d>",
		c.state, c.x, c.y, c.z, c.feed, c.spindle,
		c.feedOv, c.rapidOv, c.spindleOv, free)
}

// serve handles one host connection.
func (c *controller) serve(conn net.Conn) {
	defer conn.Close()

	c.outMu.Lock()
	c.out = conn
	c.outMu.Unlock()

	c.send(banner)

	var lineBuf []byte
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		for _, b := range buf[:n] {
			c.handleByte(b, &lineBuf)
		}
	}

	c.outMu.Lock()
	c.out = nil
	c.outMu.Unlock()
	fmt.Fprintln(os.Stderr, "mock-grbl: host disconnected")
}

func main() {
	listenAddr := flag.String("listen", "", "TCP listen address (host:port)")
	socketPath := flag.String("socket", "", "Unix socket path")
	rxBuffer := flag.Int("rx-buffer", 128, "Simulated receive buffer size in bytes")
	execDelay := flag.Duration("exec-delay", 2*time.Millisecond, "Simulated per-line execution time")
	trace := flag.Bool("trace", false, "Log every executed line")
	flag.Parse()

	if *listenAddr == "" && *socketPath == "" {
		fmt.Fprintln(os.Stderr, "Error: one of -listen or -socket is required")
		flag.Usage()
		os.Exit(1)
	}

	var ln net.Listener
	var err error
	if *listenAddr != "" {
		ln, err = net.Listen("tcp", *listenAddr)
	} else {
		os.Remove(*socketPath)
		ln, err = net.Listen("unix", *socketPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "mock-grbl: listening on %s (rx buffer %d bytes)\n", ln.Addr(), *rxBuffer)

	ctrl := newController(*rxBuffer, *execDelay, *trace)
	go ctrl.execLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ln.Close()
		if *socketPath != "" {
			os.Remove(*socketPath)
		}
		os.Exit(0)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			break
		}
		fmt.Fprintln(os.Stderr, "mock-grbl: host connected")
		ctrl.serve(conn)
	}
}
