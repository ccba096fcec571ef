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
	"sort"
	"time"
)

// PodStatus is the latest known activity of one pod
type PodStatus struct {
	// LastSeen is when the pod's latest reading arrived
	LastSeen time.Time `json:"last_seen"`
	// LastData is the display copy of the latest reading
	LastData []interface{} `json:"last_data"`
	// MessageCount is the number of readings received from the pod
	MessageCount uint64 `json:"message_count"`
}

// Age how long since the pod last reported, as of a given time
func (p PodStatus) Age(now time.Time) time.Duration {
	return now.Sub(p.LastSeen)
}

func (p PodStatus) copy() PodStatus {
	data := make([]interface{}, len(p.LastData))
	copy(data, p.LastData)
	return PodStatus{LastSeen: p.LastSeen, LastData: data, MessageCount: p.MessageCount}
}

// ActivePods compute the sorted list of active pods
//
// A pod is active when its latest reading is no older than the liveness window,
// or when it has at least one subscriber. Subscribed pods which never reported
// in are active as well.
func ActivePods(
	pods map[string]PodStatus,
	subscriberCounts map[string]int,
	now time.Time,
	livenessWindow time.Duration,
) []string {
	active := map[string]struct{}{}
	for pod, status := range pods {
		if status.Age(now) <= livenessWindow {
			active[pod] = struct{}{}
		}
	}
	for pod, count := range subscriberCounts {
		if count > 0 {
			active[pod] = struct{}{}
		}
	}
	result := make([]string, 0, len(active))
	for pod := range active {
		result = append(result, pod)
	}
	sort.Strings(result)
	return result
}

// RecordPodData update the pod's status with a new reading
func (s *stateImpl) RecordPodData(pod string, displayValues []interface{}) (time.Time, []Target) {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.clock()
	status := s.pods[pod]
	status.LastSeen = now
	status.LastData = displayValues
	status.MessageCount++
	s.pods[pod] = status

	subscribers := s.podSubscribers[pod]
	targets := make([]Target, 0, len(subscribers))
	for endpoint := range subscribers {
		targets = append(targets, Target{Endpoint: endpoint, Connection: s.clients[endpoint]})
	}
	return now, targets
}

// ActivePods compute the sorted list of active pods
func (s *stateImpl) ActivePods(livenessWindow time.Duration) []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	counts := make(map[string]int, len(s.podSubscribers))
	for pod, subscribers := range s.podSubscribers {
		counts[pod] = len(subscribers)
	}
	return ActivePods(s.pods, counts, s.clock(), livenessWindow)
}
