// Copyright 2026 The podmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/alwitt/podmq/common"
	"github.com/apex/log"
)

// Connection is a reusable outbound handle toward one remote endpoint
type Connection interface {
	// Send send one OSC message to the remote endpoint
	Send(address string, args ...interface{}) error
	// Remote the "host:port" of the remote endpoint
	Remote() string
	// Close release the underlying socket
	Close() error
}

// Dialer creates Connections
type Dialer interface {
	// Dial define a new Connection toward host:port
	Dial(host string, port int) (Connection, error)
}

// udpConnection implements Connection with a connected UDP socket
type udpConnection struct {
	common.Component
	remote string
	lock   sync.Mutex
	conn   *net.UDPConn
}

// Send send one OSC message to the remote endpoint
func (c *udpConnection) Send(address string, args ...interface{}) error {
	payload, err := EncodeMessage(address, args...)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to encode %s", address)
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection to %s is closed", c.remote)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return err
	}
	log.WithFields(c.LogTags).Debugf("Sent %s[%d args]", address, len(args))
	return nil
}

// Remote the "host:port" of the remote endpoint
func (c *udpConnection) Remote() string {
	return c.remote
}

// Close release the underlying socket
func (c *udpConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// UDPDialer implements Dialer with connected UDP sockets
type UDPDialer struct{}

// Dial define a new Connection toward host:port
func (UDPDialer) Dial(host string, port int) (Connection, error) {
	remote := net.JoinHostPort(host, strconv.Itoa(port))
	logTags := log.Fields{
		"module": "transport", "component": "udp-connection", "instance": remote,
	}
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to resolve remote address")
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to dial remote")
		return nil, err
	}
	log.WithFields(logTags).Debug("Defined new connection")
	return &udpConnection{
		Component: common.Component{LogTags: logTags}, remote: remote, conn: conn,
	}, nil
}
