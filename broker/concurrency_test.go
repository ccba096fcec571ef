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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// symmetryViolations list every place the two subscription directions disagree
func symmetryViolations(snapshot Snapshot) []string {
	violations := []string{}
	contains := func(values []string, target string) bool {
		for _, value := range values {
			if value == target {
				return true
			}
		}
		return false
	}
	for pod, endpoints := range snapshot.Subscribers {
		if len(endpoints) == 0 {
			violations = append(violations, fmt.Sprintf("empty subscriber set for %s", pod))
		}
		for _, endpoint := range endpoints {
			if !contains(snapshot.Subscriptions[endpoint], pod) {
				violations = append(violations, fmt.Sprintf("%s -> %s has no reverse", pod, endpoint))
			}
		}
	}
	for endpoint, pods := range snapshot.Subscriptions {
		if len(pods) == 0 {
			violations = append(violations, fmt.Sprintf("empty subscription set for %s", endpoint))
		}
		for _, pod := range pods {
			found := false
			for _, subscriber := range snapshot.Subscribers[pod] {
				if subscriber == endpoint {
					found = true
					break
				}
			}
			if !found {
				violations = append(violations, fmt.Sprintf("%s -> %s has no reverse", endpoint, pod))
			}
		}
	}
	return violations
}

func TestConcurrentStateAccess(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	state, err := GetBrokerState("ut-concurrent", newRecordingDialer(), nil)
	assert.Nil(err)
	relay, err := GetRelay(state, 2, nil, nil)
	assert.Nil(err)

	endpoints := []Endpoint{}
	for itr := 0; itr < 4; itr++ {
		endpoint, _, err := state.Register(fmt.Sprintf("10.0.0.%d", itr+1), 9000)
		assert.Nil(err)
		endpoints = append(endpoints, endpoint)
	}
	pods := []string{"/pod1", "/pod2", "/pod3"}

	workers := 16
	rounds := 500
	var relayed int64
	var violations int64
	start := make(chan struct{})
	wg := sync.WaitGroup{}
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			for round := 0; round < rounds; round++ {
				pod := pods[(worker+round)%len(pods)]
				endpoint := endpoints[(worker*7+round)%len(endpoints)]
				switch (worker + round) % 4 {
				case 0:
					_ = state.Subscribe(pod, endpoint)
				case 1:
					state.Unsubscribe(pod, endpoint)
				case 2:
					relay.OnPodData(context.Background(), pod, []interface{}{float64(round)})
					atomic.AddInt64(&relayed, 1)
				case 3:
					if found := symmetryViolations(state.Snapshot()); len(found) > 0 {
						atomic.AddInt64(&violations, 1)
						t.Errorf("asymmetric snapshot: %v", found)
					}
				}
			}
		}(worker)
	}
	close(start)
	wg.Wait()

	assert.Equal(int64(0), atomic.LoadInt64(&violations))
	final := state.Snapshot()
	assert.Empty(symmetryViolations(final))
	var counted uint64
	for _, status := range final.Pods {
		counted += status.MessageCount
	}
	assert.Equal(uint64(atomic.LoadInt64(&relayed)), counted)
	for pod, subscribers := range final.Subscribers {
		assert.Equal(subscribers, state.SubscribersOf(pod))
	}
}

// blockingConnection holds every Send until released
type blockingConnection struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingConnection) Send(string, ...interface{}) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return nil
}

func (c *blockingConnection) Remote() string { return "blocking" }

func (c *blockingConnection) Close() error { return nil }

type blockingDialer struct {
	conn *blockingConnection
}

func (d blockingDialer) Dial(string, int) (transport.Connection, error) {
	return d.conn, nil
}

func TestRelaySendDoesNotHoldState(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	conn := &blockingConnection{entered: make(chan struct{}), release: make(chan struct{})}
	state, err := GetBrokerState("ut-blocking-send", blockingDialer{conn: conn}, nil)
	assert.Nil(err)
	relay, err := GetRelay(state, 2, nil, nil)
	assert.Nil(err)

	subscriber, _, err := state.Register("10.0.0.9", 9000)
	assert.Nil(err)
	assert.Nil(state.Subscribe("/pod1", subscriber))

	relayDone := make(chan RelayReport, 1)
	go func() {
		relayDone <- relay.OnPodData(context.Background(), "/pod1", []interface{}{1.0})
	}()

	waitFor := func(signal <-chan struct{}) bool {
		select {
		case <-signal:
			return true
		case <-time.After(time.Second):
			return false
		}
	}

	// Case 0: the relay is stuck inside Send
	assert.True(waitFor(conn.entered))

	// Case 1: state operations still complete while the send is blocked
	{
		stateDone := make(chan struct{})
		go func() {
			defer close(stateDone)
			endpoint, _, ok := state.Resolve("10.0.0.9")
			assert.True(ok)
			assert.Equal(subscriber, endpoint)
			assert.Nil(state.Subscribe("/pod2", subscriber))
			assert.True(state.Unsubscribe("/pod2", subscriber))
			assert.Equal(uint64(1), state.Snapshot().Pods["/pod1"].MessageCount)
		}()
		assert.True(waitFor(stateDone))
	}

	// Case 2: the relay finishes once the send is released
	close(conn.release)
	select {
	case report := <-relayDone:
		assert.Equal(1, report.Delivered)
		assert.Equal(0, report.Failed)
	case <-time.After(time.Second):
		assert.Fail("relay did not finish")
	}
}
