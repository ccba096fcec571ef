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
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type sentMessage struct {
	address string
	args    []interface{}
}

type recordingConnection struct {
	lock    sync.Mutex
	remote  string
	sent    []sentMessage
	sendErr error
	closed  bool
}

func (c *recordingConnection) Send(address string, args ...interface{}) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	copied := make([]interface{}, len(args))
	copy(copied, args)
	c.sent = append(c.sent, sentMessage{address: address, args: copied})
	return nil
}

func (c *recordingConnection) Remote() string { return c.remote }

func (c *recordingConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConnection) messages() []sentMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]sentMessage, len(c.sent))
	copy(result, c.sent)
	return result
}

type recordingDialer struct {
	lock        sync.Mutex
	dialCount   int
	connections map[string]*recordingConnection
	dialErr     error
}

func newRecordingDialer() *recordingDialer {
	return &recordingDialer{connections: map[string]*recordingConnection{}}
}

func (d *recordingDialer) Dial(host string, port int) (transport.Connection, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dialCount++
	remote := net.JoinHostPort(host, strconv.Itoa(port))
	conn := &recordingConnection{remote: remote}
	d.connections[remote] = conn
	return conn, nil
}

func (d *recordingDialer) connection(host string, port int) *recordingConnection {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.connections[net.JoinHostPort(host, strconv.Itoa(port))]
}

type manualClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *manualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func TestClientRegistration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newRecordingDialer()
	uut, err := GetBrokerState("ut-registration", dialer, nil)
	assert.Nil(err)

	// Case 0: nil dialer is not allowed
	{
		_, err := GetBrokerState("ut-registration", nil, nil)
		assert.NotNil(err)
	}

	// Case 1: unknown host does not resolve
	{
		_, _, ok := uut.Resolve("10.0.0.5")
		assert.False(ok)
	}

	// Case 2: first registration
	var firstConn transport.Connection
	{
		endpoint, conn, err := uut.Register("10.0.0.5", 9100)
		assert.Nil(err)
		assert.Equal(Endpoint{Host: "10.0.0.5", Port: 9100}, endpoint)
		assert.NotNil(conn)
		firstConn = conn
		assert.Equal(1, dialer.dialCount)
	}

	// Case 3: registering again reuses the connection
	{
		endpoint, conn, err := uut.Register("10.0.0.5", 9100)
		assert.Nil(err)
		assert.Equal(Endpoint{Host: "10.0.0.5", Port: 9100}, endpoint)
		assert.Same(firstConn, conn)
		assert.Equal(1, dialer.dialCount)
		assert.Len(uut.Snapshot().Clients, 1)
	}

	// Case 4: last registration for a host wins
	{
		_, _, err := uut.Register("10.0.0.5", 9200)
		assert.Nil(err)
		endpoint, conn, ok := uut.Resolve("10.0.0.5")
		assert.True(ok)
		assert.Equal(Endpoint{Host: "10.0.0.5", Port: 9200}, endpoint)
		assert.Equal("10.0.0.5:9200", conn.Remote())
		// Old endpoint is still in the registry
		snapshot := uut.Snapshot()
		assert.Equal(
			[]Endpoint{{Host: "10.0.0.5", Port: 9100}, {Host: "10.0.0.5", Port: 9200}},
			snapshot.Clients,
		)
		assert.False(snapshot.IsAuthoritative(Endpoint{Host: "10.0.0.5", Port: 9100}))
		assert.True(snapshot.IsAuthoritative(Endpoint{Host: "10.0.0.5", Port: 9200}))
	}

	// Case 5: re-registering the older endpoint makes it current again
	{
		_, conn, err := uut.Register("10.0.0.5", 9100)
		assert.Nil(err)
		assert.Same(firstConn, conn)
		endpoint, _, ok := uut.Resolve("10.0.0.5")
		assert.True(ok)
		assert.Equal(9100, endpoint.Port)
		assert.Equal(2, dialer.dialCount)
	}

	// Case 6: invalid endpoints
	{
		_, _, err := uut.Register("", 9100)
		assert.NotNil(err)
		_, _, err = uut.Register("10.0.0.6", 0)
		assert.NotNil(err)
		_, _, err = uut.Register("10.0.0.6", 70000)
		assert.NotNil(err)
	}

	// Case 7: dial failure leaves no trace
	{
		dialer.dialErr = errors.New("dial failure")
		_, _, err := uut.Register("10.0.0.7", 9100)
		assert.NotNil(err)
		_, _, ok := uut.Resolve("10.0.0.7")
		assert.False(ok)
		dialer.dialErr = nil
	}
}

func TestSubscriptionTable(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetBrokerState("ut-subscriptions", newRecordingDialer(), nil)
	assert.Nil(err)

	ep1 := Endpoint{Host: "10.0.0.5", Port: 9100}
	ep2 := Endpoint{Host: "10.0.0.6", Port: 9100}

	// Case 0: subscribing an unregistered endpoint
	{
		err := uut.Subscribe("/pod1", ep1)
		assert.ErrorIs(err, ErrUnregisteredClient)
		assert.Empty(uut.SubscribersOf("/pod1"))
	}

	_, _, err = uut.Register(ep1.Host, ep1.Port)
	assert.Nil(err)
	_, _, err = uut.Register(ep2.Host, ep2.Port)
	assert.Nil(err)

	// Case 1: both directions are kept in step
	{
		assert.Nil(uut.Subscribe("/pod1", ep1))
		assert.Nil(uut.Subscribe("/pod1", ep2))
		assert.Nil(uut.Subscribe("/pod2", ep1))
		// Subscribing twice is harmless
		assert.Nil(uut.Subscribe("/pod2", ep1))
		assert.Equal([]Endpoint{ep1, ep2}, uut.SubscribersOf("/pod1"))
		assert.Equal([]Endpoint{ep1}, uut.SubscribersOf("/pod2"))
		assert.Equal([]string{"/pod1", "/pod2"}, uut.SubscriptionsOf(ep1))
		assert.Equal([]string{"/pod1"}, uut.SubscriptionsOf(ep2))
	}

	// Case 2: unsubscribe removes both directions
	{
		assert.True(uut.Unsubscribe("/pod1", ep2))
		assert.Equal([]Endpoint{ep1}, uut.SubscribersOf("/pod1"))
		assert.Empty(uut.SubscriptionsOf(ep2))
		// Nothing left to remove
		assert.False(uut.Unsubscribe("/pod1", ep2))
		assert.False(uut.Unsubscribe("/pod9", ep1))
	}

	// Case 3: empty sets are pruned
	{
		assert.True(uut.Unsubscribe("/pod2", ep1))
		assert.True(uut.Unsubscribe("/pod1", ep1))
		snapshot := uut.Snapshot()
		assert.Empty(snapshot.Subscribers)
		assert.Empty(snapshot.Subscriptions)
	}

	// Case 4: subscribe then unsubscribe returns to the prior state
	{
		before := uut.Snapshot()
		assert.Nil(uut.Subscribe("/pod3", ep2))
		assert.True(uut.Unsubscribe("/pod3", ep2))
		after := uut.Snapshot()
		assert.Equal(before.Subscribers, after.Subscribers)
		assert.Equal(before.Subscriptions, after.Subscriptions)
	}
}

func TestActivePodSet(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := &manualClock{now: time.Unix(1700000000, 0)}
	uut, err := GetBrokerState("ut-active-pods", newRecordingDialer(), clock.Now)
	assert.Nil(err)
	window := time.Second * 5

	// Case 0: nothing reported
	assert.Empty(uut.ActivePods(window))

	receivedAt, targets := uut.RecordPodData("/pod1", []interface{}{float32(1.5)})
	assert.Equal(clock.Now(), receivedAt)
	assert.Empty(targets)
	uut.RecordPodData("/pod2", []interface{}{int32(2)})

	// Case 1: reported 2 seconds ago
	{
		clock.Advance(time.Second * 2)
		assert.Equal([]string{"/pod1", "/pod2"}, uut.ActivePods(window))
	}

	// Case 2: reported 10 seconds ago without subscribers
	{
		clock.Advance(time.Second * 8)
		assert.Empty(uut.ActivePods(window))
	}

	// Case 3: reported 10 seconds ago with a subscriber
	{
		ep, _, err := uut.Register("10.0.0.5", 9100)
		assert.Nil(err)
		assert.Nil(uut.Subscribe("/pod2", ep))
		assert.Equal([]string{"/pod2"}, uut.ActivePods(window))
		// A subscribed pod which never reported is also active
		assert.Nil(uut.Subscribe("/pod0", ep))
		assert.Equal([]string{"/pod0", "/pod2"}, uut.ActivePods(window))
	}

	// Case 4: snapshot agrees with the state
	{
		snapshot := uut.Snapshot()
		assert.Equal(uut.ActivePods(window), snapshot.ActivePods(window))
		status, ok := snapshot.Pods["/pod1"]
		assert.True(ok)
		assert.Equal(uint64(1), status.MessageCount)
		assert.Equal([]interface{}{float32(1.5)}, status.LastData)
		assert.Equal(time.Second*10, status.Age(snapshot.TakenAt))
	}

	// Case 5: reporting again refreshes the pod
	{
		uut.RecordPodData("/pod1", []interface{}{float32(3)})
		assert.Equal([]string{"/pod0", "/pod1", "/pod2"}, uut.ActivePods(window))
		assert.Equal(uint64(2), uut.Snapshot().Pods["/pod1"].MessageCount)
	}
}

func TestActivePodsBoundary(t *testing.T) {
	assert := assert.New(t)

	now := time.Unix(1700000000, 0)
	pods := map[string]PodStatus{
		"/edge":  {LastSeen: now.Add(-time.Second * 5)},
		"/stale": {LastSeen: now.Add(-time.Second*5 - time.Millisecond)},
	}
	assert.Equal([]string{"/edge"}, ActivePods(pods, nil, now, time.Second*5))
	assert.Equal(
		[]string{"/edge", "/stale"},
		ActivePods(pods, map[string]int{"/stale": 1, "/gone": 0}, now, time.Second*5),
	)
}
