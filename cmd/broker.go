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

package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/podmq/apis"
	"github.com/alwitt/podmq/broker"
	"github.com/alwitt/podmq/common"
	"github.com/alwitt/podmq/core"
	"github.com/alwitt/podmq/dashboard"
	"github.com/alwitt/podmq/mirror"
	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Broker is a fully wired broker instance
type Broker struct {
	common.Component
	config     *common.SystemConfig
	wg         *sync.WaitGroup
	State      broker.State
	PodIngress transport.Listener
	Control    transport.Listener
	registry   *prometheus.Registry
	natsClient *core.NatsClient
	mirror     mirror.StreamMirror
	reporter   dashboard.Reporter
	httpSrv    *http.Server
}

/*
DefineBroker wire up the broker components and bind its sockets

Nothing is started until Run is called. Failure to bind either UDP listener is
returned as an error.

	@param runtimeContext context.Context - the broker's lifetime
	@param config *common.SystemConfig - system config
	@param instance string - instance name
	@param wg *sync.WaitGroup - wait group for all broker goroutines
	@param dashboardOut io.Writer - where the dashboard is printed
	@return the broker
*/
func DefineBroker(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
	dashboardOut io.Writer,
) (*Broker, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}
	result := &Broker{
		Component: common.Component{LogTags: logTags},
		config:    config,
		wg:        wg,
		registry:  prometheus.NewRegistry(),
	}

	metrics, err := broker.NewMetrics(result.registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return nil, err
	}

	// -------------------------------------------------------------------
	// Stream mirror

	var podMirror broker.PodDataMirror
	if config.Mirror.Enabled {
		client, err := core.GetNatsClient(
			core.ConnectParamsFromConfig(config.Mirror.NATS, instance),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.Mirror.NATS.ServerURI,
			)
			return nil, err
		}
		result.natsClient = &client
		result.mirror, err = mirror.GetNATSMirror(runtimeContext, client.NATs(), mirror.Params{
			SubjectPrefix: config.Mirror.SubjectPrefix,
			Encoding:      config.Mirror.Encoding,
			QueueDepth:    config.Mirror.QueueDepth,
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define stream mirror")
			client.Close(runtimeContext)
			return nil, err
		}
		podMirror = result.mirror
	}

	// -------------------------------------------------------------------
	// Broker core

	result.State, err = broker.GetBrokerState(instance, transport.UDPDialer{}, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker state")
		return nil, err
	}
	relay, err := broker.GetRelay(
		result.State, config.Broker.DisplayPrecision, metrics, podMirror,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return nil, err
	}
	control, err := broker.GetControlHandler(result.State, broker.ControlParams{
		LivenessWindow:           config.Broker.LivenessWindowDuration(),
		AcknowledgeSubscriptions: config.Broker.AcknowledgeSubscriptions,
	}, metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define control handler")
		return nil, err
	}

	result.PodIngress, err = transport.GetUDPListener(
		runtimeContext,
		"pod-ingress",
		config.Broker.PodIngress.ListenOn,
		int(config.Broker.PodIngress.Port),
		config.Broker.PodIngress.ReadBufferSize,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind pod ingress")
		result.release()
		return nil, err
	}
	result.PodIngress.RouteDefault(relay.HandleMessage)

	result.Control, err = transport.GetUDPListener(
		runtimeContext,
		"control",
		config.Broker.Control.ListenOn,
		int(config.Broker.Control.Port),
		config.Broker.Control.ReadBufferSize,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind control")
		result.release()
		return nil, err
	}
	result.Control.RouteDefault(control.HandleMessage)

	// -------------------------------------------------------------------
	// Dashboard

	if config.Dashboard.Enabled {
		if dashboardOut == nil {
			dashboardOut = os.Stdout
		}
		result.reporter, err = dashboard.GetReporter(
			runtimeContext, wg, result.State, dashboardOut, dashboard.Params{
				RefreshInterval: time.Millisecond * time.Duration(config.Dashboard.RefreshInterval),
				IdleHeartbeatInterval: time.Second *
					time.Duration(config.Dashboard.IdleHeartbeatInterval),
				LivenessWindow: config.Broker.LivenessWindowDuration(),
			},
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define dashboard")
			result.release()
			return nil, err
		}
	}

	// -------------------------------------------------------------------
	// Status API

	if config.API.Enabled {
		httpHandler, err := apis.GetAPIRestStatusHandler(
			result.State,
			config.Broker.LivenessWindowDuration(),
			result.readiness,
			&config.API.HTTPSetting,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
			result.release()
			return nil, err
		}
		router := apis.BuildStatusRouter(httpHandler, config.API.PathPrefix, result.registry)
		serverCfg := config.API.HTTPSetting.Server
		result.httpSrv = &http.Server{
			Addr:         net.JoinHostPort(serverCfg.ListenOn, strconv.Itoa(int(serverCfg.Port))),
			WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
			ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
			IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
			Handler:      h2c.NewHandler(router, &http2.Server{}),
		}
	}

	return result, nil
}

// readiness the broker is ready unless its mirror lost the NATS server
func (b *Broker) readiness() error {
	if b.natsClient == nil {
		return nil
	}
	if status := b.natsClient.NATs().Status(); status != nats.CONNECTED {
		return fmt.Errorf("NATS connection status %d", status)
	}
	return nil
}

// release free the sockets and connections of a broker that will not run
func (b *Broker) release() {
	for _, listener := range []transport.Listener{b.PodIngress, b.Control} {
		if listener == nil {
			continue
		}
		if err := listener.Close(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Unable to release listener")
		}
	}
	b.closeNATS()
}

func (b *Broker) closeNATS() {
	if b.natsClient != nil {
		flushCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		b.natsClient.Close(flushCtxt)
		b.natsClient = nil
	}
}

/*
Run start the broker and block until the runtime context is cancelled

	@param runtimeContext context.Context - the broker's lifetime
*/
func (b *Broker) Run(runtimeContext context.Context) error {
	if b.mirror != nil {
		if err := b.mirror.Start(b.wg); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Unable to start stream mirror")
			b.release()
			return err
		}
	}
	if err := b.PodIngress.Start(b.wg); err != nil {
		b.release()
		return err
	}
	if err := b.Control.Start(b.wg); err != nil {
		b.release()
		return err
	}
	log.WithFields(b.LogTags).Infof(
		"Pods on %s, control on %s",
		b.PodIngress.LocalAddr().String(),
		b.Control.LocalAddr().String(),
	)
	if b.reporter != nil {
		if err := b.reporter.Start(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Unable to start dashboard")
			b.release()
			return err
		}
	}
	if b.httpSrv != nil {
		go func() {
			if err := b.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(b.LogTags).Error("HTTP Server Failure")
			}
		}()
		log.WithFields(b.LogTags).Infof("Started HTTP server on http://%s", b.httpSrv.Addr)
	}

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	if b.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := b.httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failure during HTTP shutdown")
		}
	}
	if b.reporter != nil {
		if err := b.reporter.Stop(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failure stopping dashboard")
		}
	}
	if b.mirror != nil {
		if err := b.mirror.Stop(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failure stopping stream mirror")
		}
	}
	b.closeNATS()
	return nil
}

/*
RunBroker define then run a broker until the runtime context is cancelled

	@param runtimeContext context.Context - the broker's lifetime
	@param config *common.SystemConfig - system config
	@param instance string - instance name
	@param wg *sync.WaitGroup - wait group for all broker goroutines
*/
func RunBroker(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	instanceBroker, err := DefineBroker(runtimeContext, config, instance, wg, nil)
	if err != nil {
		return err
	}
	return instanceBroker.Run(runtimeContext)
}
