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
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/podmq/common"
	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ReplyAddress is the OSC address of every broker announcement
const ReplyAddress = "/broker"

// Broker announcement tags, the first argument of a reply
const (
	ReplyRegistered   = "registered"
	ReplyPodList      = "pod_list"
	ReplyConnected    = "connected"
	ReplyDisconnected = "disconnected"
)

// ControlParams control protocol handler settings
type ControlParams struct {
	// LivenessWindow is how recently a pod must have reported to be listed as active
	LivenessWindow time.Duration
	// AcknowledgeSubscriptions whether connect and disconnect are acknowledged
	AcknowledgeSubscriptions bool
}

// ControlHandler processes control messages from clients
type ControlHandler interface {
	// HandleMessage transport.Handler for the control listener
	HandleMessage(ctxt context.Context, msg transport.Message) error
	// Execute run one decoded control request on behalf of a source endpoint
	Execute(ctxt context.Context, source Endpoint, request ControlRequest) error
}

// controlHandlerImpl implements ControlHandler
type controlHandlerImpl struct {
	common.Component
	state   State
	params  ControlParams
	metrics *Metrics
}

/*
GetControlHandler define a new control protocol handler

	@param state BrokerState - the broker state
	@param params ControlParams - handler settings
	@param metrics *Metrics - optional metrics
	@return new ControlHandler
*/
func GetControlHandler(
	state State, params ControlParams, metrics *Metrics,
) (ControlHandler, error) {
	logTags := log.Fields{"module": "broker", "component": "control"}
	if state == nil {
		return nil, fmt.Errorf("control handler requires broker state")
	}
	if params.LivenessWindow <= 0 {
		return nil, fmt.Errorf("invalid liveness window %s", params.LivenessWindow)
	}
	return &controlHandlerImpl{
		Component: common.Component{LogTags: logTags},
		state:     state,
		params:    params,
		metrics:   metrics,
	}, nil
}

// HandleMessage decode and execute one control message
func (h *controlHandlerImpl) HandleMessage(ctxt context.Context, msg transport.Message) error {
	source := Endpoint{}
	sourceStr := ""
	if msg.Source != nil {
		source = Endpoint{Host: msg.Source.IP.String(), Port: msg.Source.Port}
		sourceStr = source.String()
	}
	ctxt = context.WithValue(ctxt, common.RequestParam{}, common.RequestParam{
		ID: uuid.New().String(), Source: sourceStr, Address: msg.Address,
	})
	logTags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		logTags = h.LogTags
	}

	request, err := DecodeControlRequest(msg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Dropping control message %s", msg.String())
		h.metrics.recordControlRejected("malformed")
		return err
	}
	return h.Execute(ctxt, source, request)
}

// Execute run one decoded control request
func (h *controlHandlerImpl) Execute(
	ctxt context.Context, source Endpoint, request ControlRequest,
) error {
	logTags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		logTags = h.LogTags
	}

	if register, ok := request.(RegisterRequest); ok {
		return h.processRegister(logTags, source, register)
	}

	// Every other operation requires the host to have registered
	endpoint, conn, ok := h.state.Resolve(source.Host)
	if !ok {
		err := fmt.Errorf(
			"%s from host '%s': %w", request.Operation(), source.Host, ErrUnregisteredClient,
		)
		log.WithError(err).WithFields(logTags).Errorf("Rejecting control request")
		h.metrics.recordControlRejected("unregistered")
		return err
	}
	h.metrics.recordControlRequest(request.Operation())

	switch req := request.(type) {
	case ListRequest:
		activePods := h.state.ActivePods(h.params.LivenessWindow)
		reply := make([]interface{}, 0, len(activePods)+1)
		reply = append(reply, ReplyPodList)
		for _, pod := range activePods {
			reply = append(reply, pod)
		}
		log.WithFields(logTags).Debugf(
			"Listing %d active pods for %s", len(activePods), endpoint.String(),
		)
		return h.reply(logTags, endpoint, conn, reply...)

	case ConnectRequest:
		if err := h.state.Subscribe(req.Pod, endpoint); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to subscribe %s to %s", endpoint.String(), req.Pod,
			)
			return err
		}
		log.WithFields(logTags).Infof("Subscribed %s to %s", endpoint.String(), req.Pod)
		if h.params.AcknowledgeSubscriptions {
			return h.reply(logTags, endpoint, conn, ReplyConnected, req.Pod)
		}
		return nil

	case DisconnectRequest:
		removed := h.state.Unsubscribe(req.Pod, endpoint)
		if removed {
			log.WithFields(logTags).Infof("Unsubscribed %s from %s", endpoint.String(), req.Pod)
		} else {
			log.WithFields(logTags).Debugf(
				"%s was not subscribed to %s", endpoint.String(), req.Pod,
			)
		}
		if h.params.AcknowledgeSubscriptions {
			return h.reply(logTags, endpoint, conn, ReplyDisconnected, req.Pod, removed)
		}
		return nil

	default:
		return fmt.Errorf("unsupported control operation %s: %w", request.Operation(), ErrMalformedRequest)
	}
}

func (h *controlHandlerImpl) processRegister(
	logTags log.Fields, source Endpoint, request RegisterRequest,
) error {
	port := source.Port
	if request.Port != nil {
		port = *request.Port
	}
	endpoint, conn, err := h.state.Register(source.Host, port)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Registration failed")
		h.metrics.recordControlRejected("register_failed")
		return err
	}
	h.metrics.recordControlRequest(OperationRegister)
	return h.reply(logTags, endpoint, conn, ReplyRegistered, endpoint.Host, int32(endpoint.Port))
}

// reply send a broker announcement. Send failures are logged, not retried.
func (h *controlHandlerImpl) reply(
	logTags log.Fields, endpoint Endpoint, conn transport.Connection, args ...interface{},
) error {
	if conn == nil {
		return errors.New("no connection for " + endpoint.String())
	}
	if err := conn.Send(ReplyAddress, args...); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Reply to %s failed", endpoint.String())
		return err
	}
	return nil
}
