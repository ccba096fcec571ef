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

package broker

import (
	"fmt"

	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
)

// Register record a client endpoint
func (s *stateImpl) Register(host string, port int) (Endpoint, transport.Connection, error) {
	if host == "" || port <= 0 || port > 65535 {
		return Endpoint{}, nil, fmt.Errorf("invalid client endpoint '%s':%d", host, port)
	}
	endpoint := Endpoint{Host: host, Port: port}

	if conn, ok := s.markRegistered(endpoint, nil); ok {
		return endpoint, conn, nil
	}

	// New endpoint. Dial without holding the lock.
	newConn, err := s.dialer.Dial(host, port)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to define connection for %s", endpoint.String(),
		)
		return Endpoint{}, nil, err
	}
	conn, _ := s.markRegistered(endpoint, newConn)
	if conn != newConn {
		// Another registration of the same endpoint won the race
		if err := newConn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Failed to close redundant connection for %s", endpoint.String(),
			)
		}
	} else {
		log.WithFields(s.LogTags).Infof("Registered new client %s", endpoint.String())
	}
	return endpoint, conn, nil
}

// markRegistered make the endpoint authoritative for its host if it is known, or if
// a new connection is provided for it. Returns the endpoint's connection, and whether
// the endpoint was already known.
func (s *stateImpl) markRegistered(
	endpoint Endpoint, newConn transport.Connection,
) (transport.Connection, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	conn, known := s.clients[endpoint]
	if !known {
		if newConn == nil {
			return nil, false
		}
		s.clients[endpoint] = newConn
		conn = newConn
	}
	s.lastRegisteredForHost[endpoint.Host] = endpoint
	return conn, known
}

// Resolve fetch the authoritative endpoint of a host
func (s *stateImpl) Resolve(host string) (Endpoint, transport.Connection, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	endpoint, ok := s.lastRegisteredForHost[host]
	if !ok {
		return Endpoint{}, nil, false
	}
	return endpoint, s.clients[endpoint], true
}
