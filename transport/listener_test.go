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
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestListenerDispatch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := GetUDPListener(utCtxt, "ut-listener", "127.0.0.1", 0, 2048)
	assert.Nil(err)

	// Case 0: bad pattern
	assert.NotNil(uut.Route("[", func(context.Context, Message) error { return nil }))

	registerRx := make(chan Message, 1)
	podRx := make(chan Message, 2)
	assert.Nil(uut.Route("/register", func(_ context.Context, msg Message) error {
		registerRx <- msg
		return nil
	}))
	uut.RouteDefault(func(_ context.Context, msg Message) error {
		podRx <- msg
		return nil
	})

	assert.Nil(uut.Start(&wg))
	assert.NotNil(uut.Start(&wg))

	sender, err := UDPDialer{}.Dial("127.0.0.1", uut.LocalAddr().Port)
	assert.Nil(err)
	defer func() {
		assert.Nil(sender.Close())
	}()

	readOne := func(rx chan Message) (Message, bool) {
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		select {
		case <-ctxt.Done():
			return Message{}, false
		case msg := <-rx:
			return msg, true
		}
	}

	// Case 1: routed message
	{
		assert.Nil(sender.Send("/register", 9100))
		msg, ok := readOne(registerRx)
		assert.True(ok)
		assert.Equal([]interface{}{int32(9100)}, msg.Arguments)
		assert.Equal("127.0.0.1", msg.Source.IP.String())
	}

	// Case 2: messages falling to the default route, including hierarchical names
	{
		assert.Nil(sender.Send("/pod1", 1.5))
		assert.Nil(sender.Send("/site/a/pod2", "x"))
		msg, ok := readOne(podRx)
		assert.True(ok)
		assert.Equal("/pod1", msg.Address)
		msg, ok = readOne(podRx)
		assert.True(ok)
		assert.Equal("/site/a/pod2", msg.Address)
	}
}

func TestListenerCloseWithoutStart(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Case 0: an unstarted listener releases its port on Close
	{
		uut, err := GetUDPListener(utCtxt, "ut-unstarted", "127.0.0.1", 0, 2048)
		assert.Nil(err)
		port := uut.LocalAddr().Port
		assert.Nil(uut.Close())
		assert.Nil(uut.Close())

		rebound, err := GetUDPListener(utCtxt, "ut-rebind", "127.0.0.1", port, 2048)
		assert.Nil(err)
		assert.Nil(rebound.Close())
	}

	// Case 1: closing a started listener stops the read loop, cancel afterwards is harmless
	{
		uut, err := GetUDPListener(utCtxt, "ut-started", "127.0.0.1", 0, 2048)
		assert.Nil(err)
		assert.Nil(uut.Start(&wg))
		port := uut.LocalAddr().Port
		assert.Nil(uut.Close())

		rebound, err := GetUDPListener(utCtxt, "ut-rebind-started", "127.0.0.1", port, 2048)
		assert.Nil(err)
		assert.Nil(rebound.Close())
	}
}
