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

package apis

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/podmq/broker"
	"github.com/alwitt/podmq/common"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

type fixedStatusSource struct {
	snapshot broker.Snapshot
}

func (s fixedStatusSource) Snapshot() broker.Snapshot {
	return s.snapshot
}

func TestStatusAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	now := time.Unix(1700000000, 0).UTC()
	ep0 := broker.Endpoint{Host: "10.0.0.5", Port: 9000}
	ep1 := broker.Endpoint{Host: "10.0.0.5", Port: 9100}
	source := fixedStatusSource{snapshot: broker.Snapshot{
		TakenAt: now,
		Pods: map[string]broker.PodStatus{
			"/pod1": {
				LastSeen:     now.Add(-time.Second),
				LastData:     []interface{}{1.5, int32(2), math.NaN()},
				MessageCount: 3,
			},
			"/pod2": {LastSeen: now.Add(-time.Minute), MessageCount: 1},
			"/pod3": {LastSeen: now.Add(-time.Minute), MessageCount: 1},
		},
		Subscribers:   map[string][]broker.Endpoint{"/pod3": {ep1}},
		Subscriptions: map[broker.Endpoint][]string{ep1: {"/pod3"}},
		Clients:       []broker.Endpoint{ep0, ep1},
		Authoritative: map[string]broker.Endpoint{"10.0.0.5": ep1},
	}}

	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Podmq-Request-ID"},
	}

	_, err := GetAPIRestStatusHandler(nil, time.Second*5, nil, httpConfig)
	assert.NotNil(err)
	_, err = GetAPIRestStatusHandler(source, 0, nil, httpConfig)
	assert.NotNil(err)

	readyErr := fmt.Errorf("mirror not connected")
	notReady := false
	uut, err := GetAPIRestStatusHandler(source, time.Second*5, func() error {
		if notReady {
			return readyErr
		}
		return nil
	}, httpConfig)
	assert.Nil(err)

	registry := prometheus.NewRegistry()
	metrics, err := broker.NewMetrics(registry)
	assert.Nil(err)
	assert.NotNil(metrics)

	router := BuildStatusRouter(uut, "/", registry)

	call := func(path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: liveness
	{
		resp := call("/alive")
		assert.Equal(http.StatusOK, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
	}

	// Case 1: readiness
	{
		resp := call("/ready")
		assert.Equal(http.StatusOK, resp.Code)
		notReady = true
		resp = call("/ready")
		assert.Equal(http.StatusInternalServerError, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
		notReady = false
	}

	// Case 2: active pods
	{
		resp := call("/v1/pods")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespActivePods
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal([]string{"/pod1", "/pod3"}, msg.Pods)
	}

	// Case 3: full status
	{
		resp := call("/v1/status")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespStatus
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal([]string{"/pod1", "/pod3"}, msg.Active)
		assert.Len(msg.Pods, 3)
		pod1 := msg.Pods["/pod1"]
		assert.Equal(uint64(3), pod1.MessageCount)
		assert.InDelta(1.0, pod1.AgeSec, 1e-9)
		assert.Equal([]interface{}{1.5, float64(2), "NaN"}, pod1.LastData)
		assert.Equal([]broker.Endpoint{ep1}, msg.Subscribers["/pod3"])
		assert.Equal(
			[]APIRestRespClient{
				{Endpoint: ep0, Authoritative: false, Pods: []string{}},
				{Endpoint: ep1, Authoritative: true, Pods: []string{"/pod3"}},
			},
			msg.Clients,
		)
	}

	// Case 4: metrics exposition
	{
		resp := call("/metrics")
		assert.Equal(http.StatusOK, resp.Code)
		assert.True(strings.Contains(resp.Body.String(), "podmq_relay_pod_messages_received_total"))
	}

	// Case 5: unknown path
	{
		resp := call("/v1/unknown")
		assert.Equal(http.StatusNotFound, resp.Code)
	}
}

func TestStatusAPIPathPrefix(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetAPIRestStatusHandler(
		fixedStatusSource{snapshot: broker.Snapshot{TakenAt: time.Now()}},
		time.Second*5,
		nil,
		&common.HTTPConfig{},
	)
	assert.Nil(err)
	router := BuildStatusRouter(uut, "/podmq", nil)

	req, err := http.NewRequest("GET", "/podmq/v1/pods", nil)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	var msg APIRestRespActivePods
	assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
	assert.Empty(msg.Pods)

	// No metrics route without a gatherer
	req, err = http.NewRequest("GET", "/podmq/metrics", nil)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusNotFound, respRecorder.Code)
}
