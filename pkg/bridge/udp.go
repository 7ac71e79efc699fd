// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// multicastTTL lets datagrams cross routers between client and bridge.
const multicastTTL = 255

// UDPLink exchanges datagrams with bridges on a multicast group.
// Reception uses a socket bound to the group port and joined to the group;
// transmission uses a separate unbound socket.
type UDPLink struct {
	rx    *net.UDPConn
	tx    *net.UDPConn
	group *net.UDPAddr
	ifi   *net.Interface
}

// DefaultGroupAddr returns the bridge multicast group as host:port
func DefaultGroupAddr() string {
	return net.JoinHostPort(canbus.DefaultGroup, strconv.Itoa(canbus.DefaultPort))
}

// OpenUDPLink joins the multicast group (host:port). An empty interface name
// lets the kernel pick the interface.
func OpenUDPLink(group, ifname string) (*UDPLink, error) {
	if group == "" {
		group = DefaultGroupAddr()
	}
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast group %s: %w", group, err)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", gaddr.IP)
	}

	var ifi *net.Interface
	if ifname != "" {
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", ifname, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":"+strconv.Itoa(gaddr.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind port %d: %w", gaddr.Port, err)
	}
	rx := pc.(*net.UDPConn)

	if err := ipv4.NewPacketConn(rx).JoinGroup(ifi, &net.UDPAddr{IP: gaddr.IP}); err != nil {
		rx.Close()
		return nil, fmt.Errorf("failed to join group %s: %w", gaddr.IP, err)
	}

	tx, err := net.ListenUDP("udp4", nil)
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("failed to open send socket: %w", err)
	}

	txp := ipv4.NewPacketConn(tx)
	if err := txp.SetMulticastTTL(multicastTTL); err != nil {
		rx.Close()
		tx.Close()
		return nil, fmt.Errorf("failed to set multicast TTL: %w", err)
	}
	// Loopback stays on so other clients on this host see our traffic. Our
	// own datagrams come back too and are dropped as self-echo.
	if err := txp.SetMulticastLoopback(true); err != nil {
		rx.Close()
		tx.Close()
		return nil, fmt.Errorf("failed to enable multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := txp.SetMulticastInterface(ifi); err != nil {
			rx.Close()
			tx.Close()
			return nil, fmt.Errorf("failed to set multicast interface %s: %w", ifi.Name, err)
		}
	}

	return &UDPLink{rx: rx, tx: tx, group: gaddr, ifi: ifi}, nil
}

func (u *UDPLink) Read(p []byte, timeout time.Duration) (int, error) {
	if err := u.rx.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, _, err := u.rx.ReadFromUDP(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, ErrReadTimeout
		}
		return 0, err
	}
	return n, nil
}

func (u *UDPLink) Write(p []byte) error {
	_, err := u.tx.WriteToUDP(p, u.group)
	return err
}

func (u *UDPLink) Framing() canbus.Framing {
	return canbus.FramingDatagram
}

func (u *UDPLink) Description() string {
	if u.ifi != nil {
		return fmt.Sprintf("UDP multicast: %s on %s", u.group, u.ifi.Name)
	}
	return fmt.Sprintf("UDP multicast: %s", u.group)
}

func (u *UDPLink) Close() error {
	return errors.Join(u.tx.Close(), u.rx.Close())
}
