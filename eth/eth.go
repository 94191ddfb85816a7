// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ETH (UDP) transport variant. Three UDP sockets:
// command (request/response), data (receive-only), delay (send-only).
// Connected sockets bind the wildcard address then Connect, so stray
// datagrams from other sources are dropped by the kernel rather than
// delivered to the application.

package eth

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mvlc-go/mvlc"
)

// RecvBufferSize is the requested SO_RCVBUF size for the data socket.
const RecvBufferSize = 10 * 1024 * 1024

// Transport is the ETH variant of mvlc.Transport.
type Transport struct {
	Host string

	mu        sync.Mutex
	connected bool

	cmdConn   *net.UDPConn
	dataConn  *net.UDPConn
	delayConn *net.UDPConn

	// commandLock/dataLock serialize transport-level operations per pipe,
	// allowing command traffic (dialog) and data traffic (readout worker)
	// to proceed concurrently on separate pipes.
	commandLock sync.Mutex
	dataLock    sync.Mutex

	// GrantedRecvBufferSize records what the kernel actually granted after
	// requesting RecvBufferSize, for diagnostics.
	GrantedRecvBufferSize int

	Throttler *Throttler
}

func NewTransport(host string) *Transport {
	return &Transport{Host: host}
}

func (t *Transport) Kind() mvlc.TransportType { return mvlc.TransportETH }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect binds a wildcard local port per logical pipe and then connects
// each socket to the MVLC's corresponding port so stray datagrams from
// other sources are dropped by the kernel.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return mvlc.NewError(mvlc.IsConnected)
	}

	cmdConn, err := t.dialUDP(mvlc.ETHCommandPort)
	if err != nil {
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}
	dataConn, err := t.dialUDP(mvlc.ETHDataPort)
	if err != nil {
		cmdConn.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}
	delayConn, err := t.dialUDP(mvlc.ETHDelayPort)
	if err != nil {
		cmdConn.Close()
		dataConn.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}

	if err := setReadTimeout(cmdConn, mvlc.DefaultReadTimeoutMs*time.Millisecond); err == nil {
		_ = cmdConn.SetWriteDeadline(time.Time{})
	}

	granted := setRecvBuffer(dataConn, RecvBufferSize)

	t.cmdConn = cmdConn
	t.dataConn = dataConn
	t.delayConn = delayConn
	t.GrantedRecvBufferSize = granted
	t.connected = true

	return nil
}

func (t *Transport) dialUDP(port int) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", t.Host, port))
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp4", nil, raddr)
}

func setReadTimeout(c *net.UDPConn, d time.Duration) error {
	return c.SetReadDeadline(time.Now().Add(d))
}

// setRecvBuffer requests sz via SetReadBuffer and returns the size actually
// granted, following SO_RCVBUF semantics (the kernel typically doubles the
// request for bookkeeping).
func setRecvBuffer(c *net.UDPConn, sz int) int {
	_ = c.SetReadBuffer(sz)
	if raw, err := c.SyscallConn(); err == nil {
		var granted int
		raw.Control(func(fd uintptr) {
			if v, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF); gerr == nil {
				granted = v
			}
		})
		return granted
	}
	return sz
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return mvlc.NewError(mvlc.IsDisconnected)
	}

	if t.Throttler != nil {
		t.Throttler.Stop()
	}

	t.cmdConn.Close()
	t.dataConn.Close()
	t.delayConn.Close()
	t.connected = false
	return nil
}

func (t *Transport) connFor(pipe mvlc.Pipe) (*net.UDPConn, error) {
	switch pipe {
	case mvlc.CommandPipe:
		return t.cmdConn, nil
	case mvlc.DataPipe:
		return t.dataConn, nil
	default:
		return nil, mvlc.NewError(mvlc.InvalidBufferHeader)
	}
}

// Write sends data as a single UDP datagram on pipe — a full request in one
// syscall, which is what keeps a super command buffer from being split
// across transport messages.
func (t *Transport) Write(pipe mvlc.Pipe, data []byte) (int, error) {
	if !t.Connected() {
		return 0, mvlc.NewError(mvlc.IsDisconnected)
	}

	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	conn, err := t.connFor(pipe)
	if err != nil {
		return 0, err
	}

	conn.SetWriteDeadline(time.Now().Add(mvlc.DefaultWriteTimeoutMs * time.Millisecond))
	n, err := conn.Write(data)
	if err != nil {
		if isTimeout(err) {
			return n, mvlc.NewError(mvlc.SocketWriteTimeout)
		}
		return n, mvlc.WrapError(mvlc.ShortWrite, err)
	}
	if n != len(data) {
		return n, mvlc.NewError(mvlc.ShortWrite)
	}
	return n, nil
}

// Read receives one UDP datagram into buf. For the data pipe this is one
// packet, including its two framing words; callers validate/strip framing
// via ValidatePacket.
func (t *Transport) Read(pipe mvlc.Pipe, buf []byte) (int, error) {
	if !t.Connected() {
		return 0, mvlc.NewError(mvlc.IsDisconnected)
	}

	var lock *sync.Mutex
	if pipe == mvlc.DataPipe {
		lock = &t.dataLock
	} else {
		lock = &t.commandLock
	}
	lock.Lock()
	defer lock.Unlock()

	conn, err := t.connFor(pipe)
	if err != nil {
		return 0, err
	}

	conn.SetReadDeadline(time.Now().Add(mvlc.DefaultReadTimeoutMs * time.Millisecond))
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return n, mvlc.NewError(mvlc.SocketReadTimeout)
		}
		return n, mvlc.WrapError(mvlc.ShortRead, err)
	}
	return n, nil
}

// SendDelay writes a single throttle delay command to the delay port:
// one 32-bit word (0x0207 << 16) | delayMicros.
func (t *Transport) SendDelay(delayMicros uint16) error {
	if !t.Connected() {
		return mvlc.NewError(mvlc.IsDisconnected)
	}
	word := (uint32(0x0207) << 16) | uint32(delayMicros)
	buf := make([]byte, 4)
	buf[0] = byte(word)
	buf[1] = byte(word >> 8)
	buf[2] = byte(word >> 16)
	buf[3] = byte(word >> 24)

	t.delayConn.SetWriteDeadline(time.Now().Add(mvlc.DefaultWriteTimeoutMs * time.Millisecond))
	_, err := t.delayConn.Write(buf)
	return err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
