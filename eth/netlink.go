// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Linux NETLINK_SOCK_DIAG query for a UDP socket's receive-queue fill level,
// using the same raw AF_NETLINK socket/bind/parse conventions as a udev
// netlink listener, adapted from NETLINK_KOBJECT_UEVENT to NETLINK_SOCK_DIAG.

package eth

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	sizeofInetDiagSockID = 48
	sizeofInetDiagReqV2  = 8 + sizeofInetDiagSockID
	sizeofInetDiagMsg    = 4 + sizeofInetDiagSockID + 16

	inetDiagSKMemInfoExt = 1 << (7 - 1) // INET_DIAG_SKMEMINFO = 7
	attrSKMemInfo        = 7

	skMemInfoRMemAlloc = 0
	skMemInfoRcvBuf    = 1
)

// skQueueInfo is the subset of struct inet_diag_meminfo this module needs.
type skQueueInfo struct {
	RMemAlloc uint32 // bytes currently queued for receive
	RcvBuf    uint32 // SO_RCVBUF limit
}

func (s skQueueInfo) fillRatio() float64 {
	if s.RcvBuf == 0 {
		return 0
	}
	return float64(s.RMemAlloc) / float64(s.RcvBuf)
}

// queryUDPReceiveQueue opens a NETLINK_SOCK_DIAG socket and asks the kernel
// for the receive-queue fill level of the UDP socket bound to localPort.
func queryUDPReceiveQueue(localPort int) (skQueueInfo, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_SOCK_DIAG)
	if err != nil {
		return skQueueInfo{}, fmt.Errorf("netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return skQueueInfo{}, fmt.Errorf("netlink bind: %w", err)
	}

	req := buildInetDiagRequest(localPort)
	if err := unix.Sendto(fd, req, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return skQueueInfo{}, fmt.Errorf("netlink send: %w", err)
	}

	buf := make([]byte, 8192)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return skQueueInfo{}, fmt.Errorf("netlink recv: %w", err)
	}

	return parseInetDiagResponse(buf[:n])
}

func buildInetDiagRequest(localPort int) []byte {
	const nlmsghdrLen = 16

	body := make([]byte, sizeofInetDiagReqV2)
	body[0] = unix.AF_INET
	body[1] = unix.IPPROTO_UDP
	body[2] = inetDiagSKMemInfoExt
	// body[3] pad
	binary.LittleEndian.PutUint32(body[4:8], 0xffffffff) // idiag_states: all

	// inet_diag_sockid: only idiag_sport is filled in; everything else
	// wildcarded (the kernel still requires an exact sport match for a UDP
	// dump filtered to one socket in practice, this queries by local port).
	binary.BigEndian.PutUint16(body[8:10], uint16(localPort))

	msg := make([]byte, nlmsghdrLen+len(body))
	binary.LittleEndian.PutUint32(msg[0:4], uint32(len(msg)))
	binary.LittleEndian.PutUint16(msg[4:6], 20) // SOCK_DIAG_BY_FAMILY
	binary.LittleEndian.PutUint16(msg[6:8], unix.NLM_F_REQUEST|unix.NLM_F_DUMP)
	copy(msg[nlmsghdrLen:], body)
	return msg
}

func parseInetDiagResponse(buf []byte) (skQueueInfo, error) {
	const nlmsghdrLen = 16

	for len(buf) >= nlmsghdrLen {
		msgLen := binary.LittleEndian.Uint32(buf[0:4])
		msgType := binary.LittleEndian.Uint16(buf[4:6])
		if msgLen < nlmsghdrLen || int(msgLen) > len(buf) {
			break
		}

		if msgType == unix.NLMSG_DONE || msgType == unix.NLMSG_ERROR {
			break
		}

		payload := buf[nlmsghdrLen:msgLen]
		if len(payload) >= sizeofInetDiagMsg {
			if info, ok := findSKMemInfo(payload[sizeofInetDiagMsg:]); ok {
				return info, nil
			}
		}

		// netlink messages are 4-byte aligned
		next := int((msgLen + 3) &^ 3)
		buf = buf[next:]
	}

	return skQueueInfo{}, fmt.Errorf("no INET_DIAG_SKMEMINFO attribute in response")
}

func findSKMemInfo(attrs []byte) (skQueueInfo, bool) {
	for len(attrs) >= 4 {
		attrLen := binary.LittleEndian.Uint16(attrs[0:2])
		attrType := binary.LittleEndian.Uint16(attrs[2:4])
		if attrLen < 4 || int(attrLen) > len(attrs) {
			return skQueueInfo{}, false
		}

		data := attrs[4:attrLen]
		if attrType == attrSKMemInfo && len(data) >= 8*4 {
			return skQueueInfo{
				RMemAlloc: binary.LittleEndian.Uint32(data[skMemInfoRMemAlloc*4:]),
				RcvBuf:    binary.LittleEndian.Uint32(data[skMemInfoRcvBuf*4:]),
			}, true
		}

		next := int((attrLen + 3) &^ 3)
		attrs = attrs[next:]
	}
	return skQueueInfo{}, false
}

// localPortOf extracts the numeric local port a *net.UDPConn is bound to.
func localPortOf(addr net.Addr) (int, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
