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

// Package mirror republishes pod readings onto NATS subjects
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/podmq/broker"
	"github.com/alwitt/podmq/common"
	"github.com/apex/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
)

// Publisher is the part of a NATS connection used by the mirror
type Publisher interface {
	// Publish publish data on a subject
	Publish(subject string, data []byte) error
}

// PodReading is one mirrored pod reading
type PodReading struct {
	Pod        string        `json:"pod" cbor:"pod"`
	ReceivedAt time.Time     `json:"received_at" cbor:"received_at"`
	Values     []interface{} `json:"values" cbor:"values"`
}

// Encoder serializes a PodReading
type Encoder func(reading PodReading) ([]byte, error)

// GetEncoder fetch the payload encoder by name: "json" or "cbor"
func GetEncoder(encoding string) (Encoder, error) {
	switch encoding {
	case "json":
		return func(reading PodReading) ([]byte, error) {
			return json.Marshal(&reading)
		}, nil
	case "cbor":
		encMode, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, err
		}
		return func(reading PodReading) ([]byte, error) {
			return encMode.Marshal(&reading)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding '%s'", encoding)
	}
}

var subjectReplacer = strings.NewReplacer("/", ".", " ", "_", "*", "_", ">", "_")

// SubjectForPod NATS subject for a pod's readings
//
// "/" in the pod name become subject token separators. A pod named "/site/a/pod2"
// with prefix "podmq.pods" maps to "podmq.pods.site.a.pod2".
func SubjectForPod(prefix, pod string) string {
	tokens := strings.Trim(subjectReplacer.Replace(pod), ".")
	if tokens == "" {
		return prefix
	}
	return prefix + "." + tokens
}

// Params mirror settings
type Params struct {
	// SubjectPrefix is prepended to the pod derived subject
	SubjectPrefix string `validate:"required"`
	// Encoding is the payload encoding
	Encoding string `validate:"required,oneof=json cbor"`
	// QueueDepth is the number of readings buffered for publishing
	QueueDepth int `validate:"gte=1"`
}

// StreamMirror publishes pod readings asynchronously
type StreamMirror interface {
	broker.PodDataMirror
	// Start start the publishing loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the publishing loop
	Stop() error
}

// natsMirrorImpl implements StreamMirror
type natsMirrorImpl struct {
	common.Component
	publisher Publisher
	prefix    string
	encode    Encoder
	tp        common.TaskProcessor
}

/*
GetNATSMirror define a new NATS pod stream mirror

	@param ctxt context.Context - the operating context
	@param publisher Publisher - the NATS connection
	@param params Params - mirror settings
	@return new StreamMirror
*/
func GetNATSMirror(ctxt context.Context, publisher Publisher, params Params) (StreamMirror, error) {
	logTags := log.Fields{
		"module": "mirror", "component": "nats-mirror", "instance": params.SubjectPrefix,
	}
	if publisher == nil {
		return nil, fmt.Errorf("no publisher provided")
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid mirror parameters")
		return nil, err
	}
	encode, err := GetEncoder(params.Encoding)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define payload encoder")
		return nil, err
	}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "nats-mirror", params.QueueDepth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &natsMirrorImpl{
		Component: common.Component{LogTags: logTags},
		publisher: publisher,
		prefix:    params.SubjectPrefix,
		encode:    encode,
		tp:        tp,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(PodReading{}), instance.processPublish,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Mirror queue one reading for publishing. Fails when the queue is full.
func (m *natsMirrorImpl) Mirror(pod string, receivedAt time.Time, values []interface{}) error {
	copied := make([]interface{}, len(values))
	copy(copied, values)
	if err := m.tp.TrySubmit(PodReading{Pod: pod, ReceivedAt: receivedAt, Values: copied}); err != nil {
		return fmt.Errorf("mirror %s: %w", pod, err)
	}
	return nil
}

func (m *natsMirrorImpl) processPublish(param interface{}) error {
	reading, ok := param.(PodReading)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	payload, err := m.encode(reading)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to encode reading of %s", reading.Pod)
		return err
	}
	subject := SubjectForPod(m.prefix, reading.Pod)
	if err := m.publisher.Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Publish to %s failed", subject)
		return err
	}
	return nil
}

// Start start the publishing loop
func (m *natsMirrorImpl) Start(wg *sync.WaitGroup) error {
	return m.tp.StartEventLoop(wg)
}

// Stop stop the publishing loop
func (m *natsMirrorImpl) Stop() error {
	return m.tp.StopEventLoop()
}
