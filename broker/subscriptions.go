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
)

// Subscribe subscribe a registered endpoint to a pod
func (s *stateImpl) Subscribe(pod string, endpoint Endpoint) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.clients[endpoint]; !ok {
		return fmt.Errorf("%s can not subscribe to %s: %w", endpoint.String(), pod, ErrUnregisteredClient)
	}
	subscribers, ok := s.podSubscribers[pod]
	if !ok {
		subscribers = make(map[Endpoint]struct{})
		s.podSubscribers[pod] = subscribers
	}
	subscribers[endpoint] = struct{}{}
	pods, ok := s.endpointSubscriptions[endpoint]
	if !ok {
		pods = make(map[string]struct{})
		s.endpointSubscriptions[endpoint] = pods
	}
	pods[pod] = struct{}{}
	return nil
}

// Unsubscribe remove a subscription, reporting whether it existed
func (s *stateImpl) Unsubscribe(pod string, endpoint Endpoint) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	removed := false
	if subscribers, ok := s.podSubscribers[pod]; ok {
		if _, ok := subscribers[endpoint]; ok {
			delete(subscribers, endpoint)
			removed = true
		}
		if len(subscribers) == 0 {
			delete(s.podSubscribers, pod)
		}
	}
	if pods, ok := s.endpointSubscriptions[endpoint]; ok {
		delete(pods, pod)
		if len(pods) == 0 {
			delete(s.endpointSubscriptions, endpoint)
		}
	}
	return removed
}

// SubscribersOf snapshot of the endpoints subscribed to a pod
func (s *stateImpl) SubscribersOf(pod string) []Endpoint {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.subscribersOf(pod)
}

// subscribersOf lock must be held
func (s *stateImpl) subscribersOf(pod string) []Endpoint {
	subscribers := s.podSubscribers[pod]
	result := make([]Endpoint, 0, len(subscribers))
	for endpoint := range subscribers {
		result = append(result, endpoint)
	}
	sortEndpoints(result)
	return result
}

// SubscriptionsOf snapshot of the pods an endpoint is subscribed to
func (s *stateImpl) SubscriptionsOf(endpoint Endpoint) []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.subscriptionsOf(endpoint)
}

// subscriptionsOf lock must be held
func (s *stateImpl) subscriptionsOf(endpoint Endpoint) []string {
	return sortedKeys(s.endpointSubscriptions[endpoint])
}
