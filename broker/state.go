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

// Package broker holds the pod relay state machine.
//
// All client, subscription and pod activity state lives in one State guarded
// by a single mutex. The Relay and ControlHandler operate on it through its
// methods only, and never send on the network while the lock is held.
package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/podmq/common"
	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
)

// ErrUnregisteredClient is returned when a host has no prior successful register
var ErrUnregisteredClient = fmt.Errorf("client host is not registered")

// Target is a relay destination: an endpoint and its connection handle
type Target struct {
	Endpoint   Endpoint
	Connection transport.Connection
}

// State is the broker's shared state container
type State interface {
	// =====================================================================
	// Client registry

	// Register record a client endpoint, reusing the connection handle if the endpoint
	// is already known. The endpoint becomes the authoritative one for its host.
	Register(host string, port int) (Endpoint, transport.Connection, error)
	// Resolve fetch the authoritative endpoint of a host
	Resolve(host string) (Endpoint, transport.Connection, bool)

	// =====================================================================
	// Subscription table

	// Subscribe subscribe a registered endpoint to a pod
	Subscribe(pod string, endpoint Endpoint) error
	// Unsubscribe remove a subscription, reporting whether it existed
	Unsubscribe(pod string, endpoint Endpoint) bool
	// SubscribersOf snapshot of the endpoints subscribed to a pod
	SubscribersOf(pod string) []Endpoint
	// SubscriptionsOf snapshot of the pods an endpoint is subscribed to
	SubscriptionsOf(endpoint Endpoint) []string

	// =====================================================================
	// Pod activity

	// RecordPodData update the pod's status with a new reading, and return the
	// reception timestamp along with the relay targets for that pod
	RecordPodData(pod string, displayValues []interface{}) (time.Time, []Target)
	// ActivePods compute the sorted list of active pods
	ActivePods(livenessWindow time.Duration) []string

	// Snapshot take a consistent copy of the entire state
	Snapshot() Snapshot
}

// stateImpl implements State
type stateImpl struct {
	common.Component
	lock   sync.Mutex
	dialer transport.Dialer
	clock  func() time.Time

	// clients is the client registry. Entries are never removed.
	clients map[Endpoint]transport.Connection
	// lastRegisteredForHost is the authoritative endpoint per host
	lastRegisteredForHost map[string]Endpoint
	// pods is the per pod status
	pods map[string]PodStatus
	// podSubscribers and endpointSubscriptions are the two directions of the
	// subscription relation. Empty sets are pruned.
	podSubscribers        map[string]map[Endpoint]struct{}
	endpointSubscriptions map[Endpoint]map[string]struct{}
}

// GetBrokerState define a new empty State
//
// A nil clock defaults to time.Now.
func GetBrokerState(
	instance string, dialer transport.Dialer, clock func() time.Time,
) (State, error) {
	logTags := log.Fields{
		"module": "broker", "component": "state", "instance": instance,
	}
	if dialer == nil {
		return nil, fmt.Errorf("no connection dialer provided")
	}
	if clock == nil {
		clock = time.Now
	}
	return &stateImpl{
		Component:             common.Component{LogTags: logTags},
		dialer:                dialer,
		clock:                 clock,
		clients:               make(map[Endpoint]transport.Connection),
		lastRegisteredForHost: make(map[string]Endpoint),
		pods:                  make(map[string]PodStatus),
		podSubscribers:        make(map[string]map[Endpoint]struct{}),
		endpointSubscriptions: make(map[Endpoint]map[string]struct{}),
	}, nil
}

// ========================================================================================

// Snapshot is a point-in-time copy of the broker state
type Snapshot struct {
	// TakenAt is when the snapshot was taken
	TakenAt time.Time
	// Pods is the status of every pod which ever reported in
	Pods map[string]PodStatus
	// Subscribers maps pod to its subscribed endpoints
	Subscribers map[string][]Endpoint
	// Subscriptions maps endpoint to the pods it subscribes to
	Subscriptions map[Endpoint][]string
	// Clients is every registered endpoint
	Clients []Endpoint
	// Authoritative maps host to its authoritative endpoint
	Authoritative map[string]Endpoint
}

// SubscriberCounts number of subscribers per subscribed pod
func (s Snapshot) SubscriberCounts() map[string]int {
	result := make(map[string]int, len(s.Subscribers))
	for pod, endpoints := range s.Subscribers {
		result[pod] = len(endpoints)
	}
	return result
}

// ActivePods compute the active pods as of when the snapshot was taken
func (s Snapshot) ActivePods(livenessWindow time.Duration) []string {
	return ActivePods(s.Pods, s.SubscriberCounts(), s.TakenAt, livenessWindow)
}

// IsAuthoritative whether the endpoint is the authoritative one for its host
func (s Snapshot) IsAuthoritative(endpoint Endpoint) bool {
	current, ok := s.Authoritative[endpoint.Host]
	return ok && current == endpoint
}

// Snapshot take a consistent copy of the entire state
func (s *stateImpl) Snapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := Snapshot{
		TakenAt:       s.clock(),
		Pods:          make(map[string]PodStatus, len(s.pods)),
		Subscribers:   make(map[string][]Endpoint, len(s.podSubscribers)),
		Subscriptions: make(map[Endpoint][]string, len(s.endpointSubscriptions)),
		Clients:       make([]Endpoint, 0, len(s.clients)),
		Authoritative: make(map[string]Endpoint, len(s.lastRegisteredForHost)),
	}
	for pod, status := range s.pods {
		result.Pods[pod] = status.copy()
	}
	for pod := range s.podSubscribers {
		result.Subscribers[pod] = s.subscribersOf(pod)
	}
	for endpoint := range s.endpointSubscriptions {
		result.Subscriptions[endpoint] = s.subscriptionsOf(endpoint)
	}
	for endpoint := range s.clients {
		result.Clients = append(result.Clients, endpoint)
	}
	sortEndpoints(result.Clients)
	for host, endpoint := range s.lastRegisteredForHost {
		result.Authoritative[host] = endpoint
	}
	return result
}

// sortedKeys helper function to list a string set in order
func sortedKeys(set map[string]struct{}) []string {
	result := make([]string, 0, len(set))
	for key := range set {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
