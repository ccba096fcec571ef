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

package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/podmq/broker"
	"github.com/alwitt/podmq/common"
	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func loopbackConfig() *common.SystemConfig {
	return &common.SystemConfig{
		Broker: common.BrokerConfig{
			PodIngress:               common.UDPListenerConfig{ListenOn: "127.0.0.1", ReadBufferSize: 65535},
			Control:                  common.UDPListenerConfig{ListenOn: "127.0.0.1", ReadBufferSize: 65535},
			LivenessWindow:           5,
			DisplayPrecision:         2,
			AcknowledgeSubscriptions: true,
		},
		Dashboard: common.DashboardConfig{
			Enabled: true, RefreshInterval: 50, IdleHeartbeatInterval: 1,
		},
	}
}

func TestBrokerBindFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	config := loopbackConfig()
	// TEST-NET-1 address, not assigned to any local interface
	config.Broker.Control.ListenOn = "192.0.2.1"
	config.Broker.Control.Port = 9001
	assert.NotNil(RunBroker(utCtxt, config, "ut-bind-failure", &wg))
}

func TestBrokerBindFailureReleasesPorts(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Hold the control port so the second bind fails
	taken, err := transport.GetUDPListener(utCtxt, "ut-taken", "127.0.0.1", 0, 2048)
	assert.Nil(err)
	defer func() {
		assert.Nil(taken.Close())
	}()

	// Pick a free pod port
	scratch, err := transport.GetUDPListener(utCtxt, "ut-free", "127.0.0.1", 0, 2048)
	assert.Nil(err)
	podPort := scratch.LocalAddr().Port
	assert.Nil(scratch.Close())

	config := loopbackConfig()
	config.Broker.PodIngress.Port = uint16(podPort)
	config.Broker.Control.Port = uint16(taken.LocalAddr().Port)
	_, err = DefineBroker(utCtxt, config, "ut-bind-release", &wg, &syncBuffer{})
	assert.NotNil(err)

	// The pod ingress socket bound before the failure must be free again
	rebound, err := transport.GetUDPListener(utCtxt, "ut-rebind", "127.0.0.1", podPort, 2048)
	assert.Nil(err)
	if rebound != nil {
		assert.Nil(rebound.Close())
	}
}

func TestBrokerRun(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dashboardOut := &syncBuffer{}
	uut, err := DefineBroker(utCtxt, loopbackConfig(), "ut-broker-run", &wg, dashboardOut)
	assert.Nil(err)

	runDone := make(chan error, 1)
	go func() {
		runDone <- uut.Run(utCtxt)
	}()

	// Client reply socket
	clientRx := make(chan transport.Message, 4)
	client, err := transport.GetUDPListener(utCtxt, "ut-client", "127.0.0.1", 0, 65535)
	assert.Nil(err)
	client.RouteDefault(func(_ context.Context, msg transport.Message) error {
		clientRx <- msg
		return nil
	})
	assert.Nil(client.Start(&wg))

	toControl, err := transport.UDPDialer{}.Dial("127.0.0.1", uut.Control.LocalAddr().Port)
	assert.Nil(err)
	defer toControl.Close()
	pod, err := transport.UDPDialer{}.Dial("127.0.0.1", uut.PodIngress.LocalAddr().Port)
	assert.Nil(err)
	defer pod.Close()

	readOne := func() (transport.Message, bool) {
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		select {
		case <-ctxt.Done():
			return transport.Message{}, false
		case msg := <-clientRx:
			return msg, true
		}
	}

	// Idle heartbeat while no pod has reported
	assert.Eventually(func() bool {
		return strings.Contains(dashboardOut.String(), "waiting for pod data")
	}, time.Second, time.Millisecond*10)

	// Sockets are bound before Run, so nothing sent here is lost
	assert.Nil(toControl.Send("/register", client.LocalAddr().Port))
	msg, ok := readOne()
	assert.True(ok)
	assert.Equal(
		[]interface{}{broker.ReplyRegistered, "127.0.0.1", int32(client.LocalAddr().Port)},
		msg.Arguments,
	)

	assert.Nil(toControl.Send("/connect", "/pod1"))
	msg, ok = readOne()
	assert.True(ok)
	assert.Equal([]interface{}{broker.ReplyConnected, "/pod1"}, msg.Arguments)

	assert.Nil(pod.Send("/pod1", 1.0, 2, 3.456))
	msg, ok = readOne()
	assert.True(ok)
	assert.Equal("/pod1", msg.Address)
	assert.Equal([]interface{}{float64(1.0), int32(2), float64(3.456)}, msg.Arguments)

	assert.Nil(toControl.Send("/list"))
	msg, ok = readOne()
	assert.True(ok)
	assert.Equal([]interface{}{broker.ReplyPodList, "/pod1"}, msg.Arguments)

	// Dashboard shows the rounded reading
	assert.Eventually(func() bool {
		return strings.Contains(dashboardOut.String(), "[1 2 3.46]")
	}, time.Second, time.Millisecond*10)

	utCtxtCancel()
	select {
	case err := <-runDone:
		assert.Nil(err)
	case <-time.After(time.Second * 5):
		assert.Fail("broker did not stop")
	}
}
