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
	"math"
	"strconv"
	"strings"

	"github.com/alwitt/podmq/transport"
)

// ErrMalformedRequest is returned when a control message can not be decoded
var ErrMalformedRequest = fmt.Errorf("malformed control request")

// Control operation names, also the control message addresses without the leading "/"
const (
	OperationRegister   = "register"
	OperationList       = "list"
	OperationConnect    = "connect"
	OperationDisconnect = "disconnect"
)

// ControlRequest is one decoded control message
type ControlRequest interface {
	// Operation the control operation name
	Operation() string
}

// RegisterRequest register the sender as a client
type RegisterRequest struct {
	// Port is the declared listening port. nil means use the request's source port.
	Port *int
}

// Operation the control operation name
func (RegisterRequest) Operation() string { return OperationRegister }

// ListRequest query the active pods
type ListRequest struct{}

// Operation the control operation name
func (ListRequest) Operation() string { return OperationList }

// ConnectRequest subscribe to a pod
type ConnectRequest struct {
	Pod string
}

// Operation the control operation name
func (ConnectRequest) Operation() string { return OperationConnect }

// DisconnectRequest unsubscribe from a pod
type DisconnectRequest struct {
	Pod string
}

// Operation the control operation name
func (DisconnectRequest) Operation() string { return OperationDisconnect }

// DecodeControlRequest convert a raw control message into a ControlRequest
//
// The address may be given with or without the leading "/". Arguments past the
// ones an operation uses are ignored.
func DecodeControlRequest(msg transport.Message) (ControlRequest, error) {
	switch strings.TrimPrefix(msg.Address, "/") {
	case OperationRegister:
		if len(msg.Arguments) == 0 {
			return RegisterRequest{}, nil
		}
		port, err := parsePort(msg.Arguments[0])
		if err != nil {
			return nil, fmt.Errorf("register: %s: %w", err.Error(), ErrMalformedRequest)
		}
		return RegisterRequest{Port: &port}, nil
	case OperationList:
		return ListRequest{}, nil
	case OperationConnect:
		pod, err := parsePodName(msg.Arguments)
		if err != nil {
			return nil, fmt.Errorf("connect: %s: %w", err.Error(), ErrMalformedRequest)
		}
		return ConnectRequest{Pod: pod}, nil
	case OperationDisconnect:
		pod, err := parsePodName(msg.Arguments)
		if err != nil {
			return nil, fmt.Errorf("disconnect: %s: %w", err.Error(), ErrMalformedRequest)
		}
		return DisconnectRequest{Pod: pod}, nil
	default:
		return nil, fmt.Errorf("unknown address '%s': %w", msg.Address, ErrMalformedRequest)
	}
}

// parsePort read a port number from an OSC argument
func parsePort(arg interface{}) (int, error) {
	var port int64
	switch v := arg.(type) {
	case int32:
		port = int64(v)
	case int64:
		port = v
	case float32:
		if float32(math.Trunc(float64(v))) != v {
			return 0, fmt.Errorf("port %v is not integral", v)
		}
		port = int64(v)
	case float64:
		if math.Trunc(v) != v {
			return 0, fmt.Errorf("port %v is not integral", v)
		}
		port = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("port '%s' is not a number", v)
		}
		port = parsed
	default:
		return 0, fmt.Errorf("port argument has type %T", arg)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return int(port), nil
}

// parsePodName read the pod name argument
func parsePodName(args []interface{}) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("missing pod name")
	}
	pod, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("pod name argument has type %T", args[0])
	}
	if pod == "" {
		return "", fmt.Errorf("empty pod name")
	}
	return pod, nil
}
