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
	"math"
	"time"

	"github.com/alwitt/podmq/common"
	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
)

// PodDataMirror receives a copy of every pod reading after it is relayed
type PodDataMirror interface {
	// Mirror hand over one reading. Must not block.
	Mirror(pod string, receivedAt time.Time, values []interface{}) error
}

// RelayReport outcome of relaying one reading
type RelayReport struct {
	// Delivered is the number of subscribers the reading was sent to
	Delivered int
	// Failed is the number of subscribers the send failed for
	Failed int
}

// Relay forwards pod readings to the pod's subscribers
type Relay interface {
	// OnPodData record a pod reading and fan it out to the pod's subscribers
	OnPodData(ctxt context.Context, pod string, values []interface{}) RelayReport
	// HandleMessage transport.Handler for the pod ingress listener
	HandleMessage(ctxt context.Context, msg transport.Message) error
}

// relayImpl implements Relay
type relayImpl struct {
	common.Component
	state            State
	displayPrecision int
	metrics          *Metrics
	mirror           PodDataMirror
}

// GetRelay define a new Relay
//
// metrics and mirror are optional.
func GetRelay(
	state State, displayPrecision int, metrics *Metrics, mirror PodDataMirror,
) (Relay, error) {
	logTags := log.Fields{"module": "broker", "component": "relay"}
	if state == nil {
		return nil, fmt.Errorf("relay requires broker state")
	}
	if displayPrecision < 0 {
		return nil, fmt.Errorf("invalid display precision %d", displayPrecision)
	}
	return &relayImpl{
		Component:        common.Component{LogTags: logTags},
		state:            state,
		displayPrecision: displayPrecision,
		metrics:          metrics,
		mirror:           mirror,
	}, nil
}

// HandleMessage transport.Handler for the pod ingress listener
func (r *relayImpl) HandleMessage(ctxt context.Context, msg transport.Message) error {
	r.OnPodData(ctxt, msg.Address, msg.Arguments)
	return nil
}

// OnPodData record a pod reading and fan it out to the pod's subscribers
func (r *relayImpl) OnPodData(
	ctxt context.Context, pod string, values []interface{},
) RelayReport {
	displayValues := DisplayValues(values, r.displayPrecision)
	r.metrics.recordPodMessage()
	log.WithFields(r.LogTags).Debugf("Received %s %v", pod, displayValues)

	receivedAt, targets := r.state.RecordPodData(pod, displayValues)

	report := RelayReport{}
	for _, target := range targets {
		if ctxt.Err() != nil {
			break
		}
		if err := target.Connection.Send(pod, values...); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to relay %s to %s", pod, target.Endpoint.String(),
			)
			report.Failed++
			continue
		}
		report.Delivered++
	}
	r.metrics.recordRelay(report)
	if len(targets) > 0 {
		log.WithFields(r.LogTags).Debugf(
			"Relayed %s to %d of %d subscribers", pod, report.Delivered, len(targets),
		)
	}

	if r.mirror != nil {
		if err := r.mirror.Mirror(pod, receivedAt, values); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf("Unable to mirror %s", pod)
			r.metrics.recordMirrorFailure()
		}
	}
	return report
}

// DisplayValues copy of a reading with float values rounded to precision decimal places
func DisplayValues(values []interface{}, precision int) []interface{} {
	scale := math.Pow(10, float64(precision))
	result := make([]interface{}, len(values))
	for idx, value := range values {
		switch v := value.(type) {
		case float32:
			result[idx] = float32(math.Round(float64(v)*scale) / scale)
		case float64:
			result[idx] = math.Round(v*scale) / scale
		default:
			result[idx] = value
		}
	}
	return result
}
