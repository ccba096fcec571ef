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
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/podmq/broker"
	"github.com/alwitt/podmq/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource provides consistent copies of the broker state
type StatusSource interface {
	// Snapshot take a consistent copy of the broker state
	Snapshot() broker.Snapshot
}

// ReadinessCheck returns nil when the broker's dependencies are usable
type ReadinessCheck func() error

// APIRestStatusHandler REST handler for broker status
type APIRestStatusHandler struct {
	goutils.RestAPIHandler
	source         StatusSource
	livenessWindow time.Duration
	ready          ReadinessCheck
}

// GetAPIRestStatusHandler define APIRestStatusHandler
func GetAPIRestStatusHandler(
	source StatusSource,
	livenessWindow time.Duration,
	ready ReadinessCheck,
	httpConfig *common.HTTPConfig,
) (APIRestStatusHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker-status",
	}
	if source == nil || httpConfig == nil {
		return APIRestStatusHandler{}, fmt.Errorf("status handler requires a state source and HTTP config")
	}
	if livenessWindow <= 0 {
		return APIRestStatusHandler{}, fmt.Errorf("invalid liveness window %s", livenessWindow)
	}
	return APIRestStatusHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		source:         source,
		livenessWindow: livenessWindow,
		ready:          ready,
	}, nil
}

// Write logging support
func (h APIRestStatusHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Broker status

// APIRestRespPodStatus the latest activity of one pod
type APIRestRespPodStatus struct {
	// LastSeen is when the pod's latest reading arrived
	LastSeen time.Time `json:"last_seen"`
	// AgeSec is how many seconds ago the pod last reported
	AgeSec float64 `json:"age_sec"`
	// LastData is the display copy of the latest reading
	LastData []interface{} `json:"last_data"`
	// MessageCount is the number of readings received from the pod
	MessageCount uint64 `json:"message_count"`
}

// APIRestRespClient one registered client endpoint
type APIRestRespClient struct {
	broker.Endpoint
	// Authoritative whether replies to this host go to this endpoint
	Authoritative bool `json:"authoritative"`
	// Pods the pods this endpoint subscribes to
	Pods []string `json:"pods"`
}

// APIRestRespStatus response for the full broker status
type APIRestRespStatus struct {
	goutils.RestAPIBaseResponse
	// TakenAt is when the status was captured
	TakenAt time.Time `json:"taken_at"`
	// Pods is the status of every pod which ever reported in
	Pods map[string]APIRestRespPodStatus `json:"pods"`
	// Active is the sorted active pod set
	Active []string `json:"active"`
	// Subscribers maps pod to its subscribed endpoints
	Subscribers map[string][]broker.Endpoint `json:"subscribers"`
	// Clients is every registered client endpoint
	Clients []APIRestRespClient `json:"clients"`
}

// jsonSafeValues replace values JSON can not represent
func jsonSafeValues(values []interface{}) []interface{} {
	result := make([]interface{}, len(values))
	for idx, value := range values {
		switch v := value.(type) {
		case float32:
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				result[idx] = fmt.Sprint(v)
				continue
			}
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				result[idx] = fmt.Sprint(v)
				continue
			}
		}
		result[idx] = value
	}
	return result
}

// convertSnapshot build the status response body from a snapshot
func (h APIRestStatusHandler) convertSnapshot(snapshot broker.Snapshot) APIRestRespStatus {
	resp := APIRestRespStatus{
		TakenAt:     snapshot.TakenAt,
		Pods:        make(map[string]APIRestRespPodStatus, len(snapshot.Pods)),
		Active:      snapshot.ActivePods(h.livenessWindow),
		Subscribers: snapshot.Subscribers,
		Clients:     make([]APIRestRespClient, 0, len(snapshot.Clients)),
	}
	for pod, status := range snapshot.Pods {
		resp.Pods[pod] = APIRestRespPodStatus{
			LastSeen:     status.LastSeen,
			AgeSec:       status.Age(snapshot.TakenAt).Seconds(),
			LastData:     jsonSafeValues(status.LastData),
			MessageCount: status.MessageCount,
		}
	}
	for _, endpoint := range snapshot.Clients {
		pods := snapshot.Subscriptions[endpoint]
		if pods == nil {
			pods = []string{}
		}
		resp.Clients = append(resp.Clients, APIRestRespClient{
			Endpoint:      endpoint,
			Authoritative: snapshot.IsAuthoritative(endpoint),
			Pods:          pods,
		})
	}
	return resp
}

// GetStatus godoc
// @Summary Query the broker status
// @Description Fetch the pods, active pod set, subscriptions and registered clients
// @tags Status
// @Produce json
// @Success 200 {object} APIRestRespStatus "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/status [get]
func (h APIRestStatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := h.convertSnapshot(h.source.Snapshot())
	resp.RestAPIBaseResponse = goutils.RestAPIBaseResponse{
		Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatusHandler Wrapper around GetStatus
func (h APIRestStatusHandler) GetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespActivePods response for the active pod set
type APIRestRespActivePods struct {
	goutils.RestAPIBaseResponse
	// Pods is the sorted active pod set
	Pods []string `json:"pods"`
}

// GetActivePods godoc
// @Summary Query the active pods
// @Description Same set a client receives for a "list" control request
// @tags Status
// @Produce json
// @Success 200 {object} APIRestRespActivePods "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/pods [get]
func (h APIRestStatusHandler) GetActivePods(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespActivePods{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Pods: h.source.Snapshot().ActivePods(h.livenessWindow),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetActivePodsHandler Wrapper around GetActivePods
func (h APIRestStatusHandler) GetActivePodsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetActivePods(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For status REST API liveness check
// @Description Will return success to indicate the broker is live
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestStatusHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestStatusHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For status REST API readiness check
// @Description Will return success if the broker's dependencies are usable
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestStatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respCode := http.StatusOK
	var respBody interface{} = h.GetStdRESTSuccessMsg(r.Context())
	if h.ready != nil {
		if err := h.ready(); err != nil {
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, "not ready", err.Error(),
			)
		}
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestStatusHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

/*
BuildStatusRouter define the status API routes

	@param handler APIRestStatusHandler - the REST handler
	@param pathPrefix string - end-point path prefix
	@param gatherer prometheus.Gatherer - optional metrics to expose on /metrics
	@return the router
*/
func BuildStatusRouter(
	handler APIRestStatusHandler, pathPrefix string, gatherer prometheus.Gatherer,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/v1/status", MethodHandlers{
		"get": handler.GetStatusHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/pods", MethodHandlers{
		"get": handler.GetActivePodsHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	if gatherer != nil {
		mainRouter.Path("/metrics").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(handler, next)
	})
	return router
}
