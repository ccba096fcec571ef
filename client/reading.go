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

package client

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alwitt/podmq/transport"
)

// Reading is a pod reading in the timestamp + sequence layout the field pods use:
// [unix time (float), sequence number (int), sensor values...]
type Reading struct {
	Pod        string
	RemoteTime time.Time
	Sequence   int64
	Values     []interface{}
}

// Latency how long the reading took to arrive, assuming synchronized clocks
func (r Reading) Latency(now time.Time) time.Duration {
	return now.Sub(r.RemoteTime)
}

// Arguments the reading as OSC arguments
func (r Reading) Arguments() []interface{} {
	args := make([]interface{}, 0, len(r.Values)+2)
	seconds := float64(r.RemoteTime.UnixNano()) / float64(time.Second)
	args = append(args, seconds)
	if r.Sequence >= math.MinInt32 && r.Sequence <= math.MaxInt32 {
		args = append(args, int32(r.Sequence))
	} else {
		args = append(args, r.Sequence)
	}
	return append(args, r.Values...)
}

// ParseReading decode a relayed message
func ParseReading(msg transport.Message) (Reading, error) {
	if len(msg.Arguments) < 2 {
		return Reading{}, fmt.Errorf("%s: incomplete reading, %d arguments", msg.Address, len(msg.Arguments))
	}
	var seconds float64
	switch v := msg.Arguments[0].(type) {
	case float32:
		seconds = float64(v)
	case float64:
		seconds = v
	default:
		return Reading{}, fmt.Errorf("%s: timestamp has type %T", msg.Address, v)
	}
	var sequence int64
	switch v := msg.Arguments[1].(type) {
	case int32:
		sequence = int64(v)
	case int64:
		sequence = v
	default:
		return Reading{}, fmt.Errorf("%s: sequence number has type %T", msg.Address, v)
	}
	whole, frac := math.Modf(seconds)
	return Reading{
		Pod:        msg.Address,
		RemoteTime: time.Unix(int64(whole), int64(frac*float64(time.Second))),
		Sequence:   sequence,
		Values:     msg.Arguments[2:],
	}, nil
}

// LossReport delivery statistics after observing one reading
type LossReport struct {
	// Dropped is the number of sequence numbers skipped just before this reading
	Dropped int64
	// DroppedTotal is the number of sequence numbers skipped so far
	DroppedTotal int64
	// Received is the number of readings observed so far
	Received int64
	// LossPercent is DroppedTotal as a percentage of the sequence numbers expected so far
	LossPercent float64
}

type podSequence struct {
	received     int64
	expected     int64
	droppedTotal int64
}

// LossTracker tracks per pod sequence gaps
type LossTracker struct {
	lock sync.Mutex
	pods map[string]*podSequence
}

// NewLossTracker define a new LossTracker
func NewLossTracker() *LossTracker {
	return &LossTracker{pods: map[string]*podSequence{}}
}

// Observe record a reading's sequence number
//
// A sequence number lower than expected, such as after a pod restart, counts no
// drops and resets the expected sequence.
func (t *LossTracker) Observe(pod string, sequence int64) LossReport {
	t.lock.Lock()
	defer t.lock.Unlock()
	state, ok := t.pods[pod]
	if !ok {
		state = &podSequence{}
		t.pods[pod] = state
	}
	dropped := sequence - state.expected
	if dropped < 0 {
		dropped = 0
	}
	state.droppedTotal += dropped
	state.expected = sequence + 1
	state.received++
	report := LossReport{
		Dropped:      dropped,
		DroppedTotal: state.droppedTotal,
		Received:     state.received,
	}
	if state.expected > 0 {
		report.LossPercent = float64(state.droppedTotal) / float64(state.expected) * 100
	}
	return report
}
