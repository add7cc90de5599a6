/*
 * Copyright (c) 2026, VHood Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package udpproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDontFragment propagates the tunneled packet's don't-fragment flag to
// the outbound socket, best effort.
func setDontFragment(conn net.PacketConn, dontFragment bool) {

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return
	}
	rawConn, err := udpConn.SyscallConn()
	if err != nil {
		return
	}

	value := unix.IP_PMTUDISC_DONT
	if dontFragment {
		value = unix.IP_PMTUDISC_DO
	}

	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(
			int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, value)
	})
}
