// Copyright 2024 The zaku Authors
// This file is part of the zaku library.
//
// The zaku library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The zaku library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the zaku library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const killWait = 500 * time.Millisecond

// freePort kills whatever process is listening on the port. No
// listener is a success.
func freePort(port uint32, log *logrus.Entry) error {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != port || conn.Pid == 0 {
			continue
		}
		p, err := process.NewProcess(conn.Pid)
		if err != nil {
			continue // already gone
		}
		name, _ := p.Name()
		log.WithFields(logrus.Fields{"pid": conn.Pid, "name": name, "port": port}).Warn("killing listener")
		if err := p.Terminate(); err != nil {
			return fmt.Errorf("terminate pid %d: %w", conn.Pid, err)
		}
		// Give it a moment; escalate if it ignored the TERM.
		time.Sleep(killWait)
		if alive, _ := p.IsRunning(); alive {
			if err := p.Kill(); err != nil {
				return fmt.Errorf("kill pid %d: %w", conn.Pid, err)
			}
		}
	}
	return nil
}
