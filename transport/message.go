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

// Package transport carries OSC messages over UDP.
//
// Inbound datagrams are decoded into Message values and dispatched by OSC
// address pattern. Outbound messages are sent through dialed UDP Connection
// handles, one per remote endpoint.
package transport

import (
	"fmt"
	"net"

	"github.com/hypebeast/go-osc/osc"
)

// Message is one decoded OSC message along with where it came from
type Message struct {
	// Address is the OSC address, e.g. "/pod1"
	Address string
	// Arguments are the typed OSC arguments in order
	Arguments []interface{}
	// Source is the sender of the datagram
	Source *net.UDPAddr
}

// String toString function
func (m Message) String() string {
	src := "unknown"
	if m.Source != nil {
		src = m.Source.String()
	}
	return fmt.Sprintf("%s[%d args]@%s", m.Address, len(m.Arguments), src)
}

// DecodeDatagram parse one UDP datagram into OSC messages
//
// Bundles, including nested ones, are flattened into their messages.
func DecodeDatagram(data []byte, source *net.UDPAddr) ([]Message, error) {
	packet, err := osc.ParsePacket(string(data))
	if err != nil {
		return nil, err
	}
	result := []Message{}
	var flatten func(p osc.Packet) error
	flatten = func(p osc.Packet) error {
		switch v := p.(type) {
		case *osc.Message:
			result = append(result, Message{
				Address: v.Address, Arguments: v.Arguments, Source: source,
			})
		case *osc.Bundle:
			for _, msg := range v.Messages {
				if err := flatten(msg); err != nil {
					return err
				}
			}
			for _, bundle := range v.Bundles {
				if err := flatten(bundle); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unsupported OSC packet type %T", p)
		}
		return nil
	}
	if err := flatten(packet); err != nil {
		return nil, err
	}
	return result, nil
}

// EncodeMessage build the datagram for one OSC message
func EncodeMessage(address string, args ...interface{}) ([]byte, error) {
	msg := osc.NewMessage(address)
	for _, arg := range args {
		normalized, err := normalizeArgument(arg)
		if err != nil {
			return nil, err
		}
		msg.Append(normalized)
	}
	return msg.MarshalBinary()
}

// normalizeArgument map native Go values onto the OSC argument types
func normalizeArgument(arg interface{}) (interface{}, error) {
	switch v := arg.(type) {
	case int32, int64, float32, float64, string, bool, []byte, nil, osc.Timetag:
		return v, nil
	case int:
		return int64ToOSC(int64(v)), nil
	case int8:
		return int32(v), nil
	case int16:
		return int32(v), nil
	case uint8:
		return int32(v), nil
	case uint16:
		return int32(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		return int64(v), nil
	default:
		return nil, fmt.Errorf("unsupported OSC argument type %T", arg)
	}
}

// int64ToOSC use the 32 bit OSC integer whenever the value fits
func int64ToOSC(v int64) interface{} {
	if v >= -2147483648 && v <= 2147483647 {
		return int32(v)
	}
	return v
}
