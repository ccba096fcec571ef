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
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"sync"

	"github.com/alwitt/podmq/common"
	"github.com/apex/log"
)

// Handler is the function signature for processing one inbound OSC message
type Handler func(ctxt context.Context, msg Message) error

// Listener receives OSC datagrams on a UDP port and dispatches them by address
type Listener interface {
	// Route dispatch messages whose address matches the pattern to the handler.
	// Patterns follow path.Match, and routes are checked in the order added.
	Route(pattern string, handler Handler) error
	// RouteDefault dispatch messages no route matched to the handler
	RouteDefault(handler Handler)
	// Start begin reading datagrams
	Start(wg *sync.WaitGroup) error
	// LocalAddr the bound local address
	LocalAddr() *net.UDPAddr
	// Close release the socket. Safe to call more than once, started or not.
	Close() error
}

type listenerRoute struct {
	pattern string
	handler Handler
}

// udpListenerImpl implements Listener
type udpListenerImpl struct {
	common.Component
	conn           *net.UDPConn
	ctxt           context.Context
	readBufferSize int
	lock           sync.RWMutex
	routes         []listenerRoute
	defaultRoute   Handler
	started        bool
	closeOnce      sync.Once
	closeErr       error
}

// GetUDPListener bind a new UDP Listener
//
// The socket is bound immediately so bind failures surface to the caller. Once
// started it is closed when the context is cancelled; a listener that is never
// started must be released with Close.
func GetUDPListener(
	ctxt context.Context, name, listenOn string, port int, readBufferSize int,
) (Listener, error) {
	bindAddr := net.JoinHostPort(listenOn, strconv.Itoa(port))
	logTags := log.Fields{
		"module": "transport", "component": "udp-listener", "instance": name, "bind": bindAddr,
	}
	if readBufferSize < 1 {
		return nil, fmt.Errorf("invalid read buffer size %d", readBufferSize)
	}
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to resolve bind address")
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind")
		return nil, err
	}
	log.WithFields(logTags).Infof("Bound on %s", conn.LocalAddr().String())
	return &udpListenerImpl{
		Component:      common.Component{LogTags: logTags},
		conn:           conn,
		ctxt:           ctxt,
		readBufferSize: readBufferSize,
		routes:         []listenerRoute{},
	}, nil
}

// Route dispatch messages whose address matches the pattern to the handler
func (l *udpListenerImpl) Route(pattern string, handler Handler) error {
	if _, err := path.Match(pattern, ""); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Invalid route pattern '%s'", pattern)
		return err
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	l.routes = append(l.routes, listenerRoute{pattern: pattern, handler: handler})
	return nil
}

// RouteDefault dispatch messages no route matched to the handler
func (l *udpListenerImpl) RouteDefault(handler Handler) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.defaultRoute = handler
}

// LocalAddr the bound local address
func (l *udpListenerImpl) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Close release the socket
func (l *udpListenerImpl) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
		if l.closeErr != nil {
			log.WithError(l.closeErr).WithFields(l.LogTags).Error("Socket close failed")
		} else {
			log.WithFields(l.LogTags).Debug("Socket closed")
		}
	})
	return l.closeErr
}

// selectHandler find the handler for an address
func (l *udpListenerImpl) selectHandler(address string) Handler {
	l.lock.RLock()
	defer l.lock.RUnlock()
	for _, route := range l.routes {
		if matched, _ := path.Match(route.pattern, address); matched {
			return route.handler
		}
	}
	return l.defaultRoute
}

// dispatch pass one decoded message to its handler
func (l *udpListenerImpl) dispatch(msg Message) {
	handler := l.selectHandler(msg.Address)
	if handler == nil {
		log.WithFields(l.LogTags).Warnf("No route for %s", msg.String())
		return
	}
	if err := handler(l.ctxt, msg); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to process %s", msg.String())
	}
}

// Start begin reading datagrams
func (l *udpListenerImpl) Start(wg *sync.WaitGroup) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.started {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(l.LogTags).Error("Unable to start reading")
		return err
	}
	l.started = true

	// Unblock the read loop on shutdown
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-l.ctxt.Done()
		_ = l.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(l.LogTags).Info("Starting read loop")
		defer log.WithFields(l.LogTags).Info("Stopping read loop")
		buf := make([]byte, l.readBufferSize)
		for {
			n, src, err := l.conn.ReadFromUDP(buf)
			if err != nil {
				if l.ctxt.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				log.WithError(err).WithFields(l.LogTags).Error("Read failure")
				continue
			}
			msgs, err := DecodeDatagram(buf[:n], src)
			if err != nil {
				log.WithError(err).WithFields(l.LogTags).Warnf(
					"Dropping undecodable datagram from %s", src.String(),
				)
				continue
			}
			for _, msg := range msgs {
				l.dispatch(msg)
			}
		}
	}()
	return nil
}
