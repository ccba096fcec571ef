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

// Package client talks to a podmq broker as a subscriber
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/alwitt/podmq/broker"
	"github.com/alwitt/podmq/common"
	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// SessionParams client session settings
type SessionParams struct {
	// BrokerHost is the broker's address
	BrokerHost string `validate:"required"`
	// ControlPort is the broker's control port
	ControlPort int `validate:"required,gt=0,lt=65536"`
	// ListenOn is the local interface to receive replies and readings on
	ListenOn string `validate:"required,ip"`
	// ListenPort is the local port to receive on. 0 picks an ephemeral port.
	ListenPort int `validate:"gte=0,lt=65536"`
}

// Session is a registered client of a broker
type Session interface {
	// Register register the session's listening port with the broker
	Register(ctxt context.Context) error
	// ListPods fetch the broker's active pod set
	ListPods(ctxt context.Context) ([]string, error)
	// Connect subscribe to a pod
	Connect(pod string) error
	// Disconnect unsubscribe from a pod
	Disconnect(pod string) error
	// LocalPort the port readings are received on
	LocalPort() int
}

// sessionImpl implements Session
type sessionImpl struct {
	common.Component
	lock     sync.Mutex
	listener transport.Listener
	control  transport.Connection
	replies  chan transport.Message
}

/*
GetSession define a new client session

Readings relayed by the broker are passed to onReading. Broker announcements are
consumed by the session.

	@param ctxt context.Context - the session's lifetime
	@param wg *sync.WaitGroup - wait group for the session's receive goroutines
	@param params SessionParams - session settings
	@param onReading transport.Handler - handler for relayed pod readings
	@return new Session
*/
func GetSession(
	ctxt context.Context, wg *sync.WaitGroup, params SessionParams, onReading transport.Handler,
) (Session, error) {
	logTags := log.Fields{
		"module":    "client",
		"component": "session",
		"instance":  net.JoinHostPort(params.BrokerHost, strconv.Itoa(params.ControlPort)),
	}
	if onReading == nil {
		return nil, fmt.Errorf("no reading handler provided")
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session parameters")
		return nil, err
	}
	listener, err := transport.GetUDPListener(
		ctxt, "client", params.ListenOn, params.ListenPort, 65535,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind receive socket")
		return nil, err
	}
	control, err := transport.UDPDialer{}.Dial(params.BrokerHost, params.ControlPort)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define control connection")
		_ = listener.Close()
		return nil, err
	}
	release := func() {
		_ = listener.Close()
		_ = control.Close()
	}
	instance := &sessionImpl{
		Component: common.Component{LogTags: logTags},
		listener:  listener,
		control:   control,
		replies:   make(chan transport.Message, 16),
	}
	if err := listener.Route(broker.ReplyAddress, instance.onReply); err != nil {
		release()
		return nil, err
	}
	listener.RouteDefault(onReading)
	if err := listener.Start(wg); err != nil {
		release()
		return nil, err
	}
	// Release the control socket with the session
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := control.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Control socket close failed")
		}
	}()
	return instance, nil
}

func (s *sessionImpl) onReply(_ context.Context, msg transport.Message) error {
	select {
	case s.replies <- msg:
		return nil
	default:
		return fmt.Errorf("reply queue full, dropping %s", msg.String())
	}
}

// LocalPort the port readings are received on
func (s *sessionImpl) LocalPort() int {
	return s.listener.LocalAddr().Port
}

// awaitReply wait for a broker announcement with the given tag. Others are dropped.
func (s *sessionImpl) awaitReply(ctxt context.Context, tag string) ([]interface{}, error) {
	for {
		select {
		case <-ctxt.Done():
			return nil, fmt.Errorf("no '%s' reply: %w", tag, ctxt.Err())
		case msg := <-s.replies:
			if len(msg.Arguments) > 0 && msg.Arguments[0] == tag {
				return msg.Arguments[1:], nil
			}
			log.WithFields(s.LogTags).Debugf("Ignoring announcement %s", msg.String())
		}
	}
}

// drainReplies discard stale announcements
func (s *sessionImpl) drainReplies() {
	for {
		select {
		case <-s.replies:
		default:
			return
		}
	}
}

// Register register the session's listening port with the broker
func (s *sessionImpl) Register(ctxt context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.drainReplies()
	if err := s.control.Send("/"+broker.OperationRegister, s.LocalPort()); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to send registration")
		return err
	}
	args, err := s.awaitReply(ctxt, broker.ReplyRegistered)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Registration not acknowledged")
		return err
	}
	log.WithFields(s.LogTags).Infof("Registered as %v", args)
	return nil
}

// ListPods fetch the broker's active pod set
func (s *sessionImpl) ListPods(ctxt context.Context) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.drainReplies()
	if err := s.control.Send("/" + broker.OperationList); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to send list request")
		return nil, err
	}
	args, err := s.awaitReply(ctxt, broker.ReplyPodList)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("No pod list received")
		return nil, err
	}
	pods := make([]string, 0, len(args))
	for _, arg := range args {
		pod, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("pod list entry has type %T", arg)
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

// Connect subscribe to a pod
func (s *sessionImpl) Connect(pod string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.control.Send("/"+broker.OperationConnect, pod)
}

// Disconnect unsubscribe from a pod
func (s *sessionImpl) Disconnect(pod string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.control.Send("/"+broker.OperationDisconnect, pod)
}
