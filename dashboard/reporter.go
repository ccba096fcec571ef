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

package dashboard

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alwitt/podmq/broker"
	"github.com/alwitt/podmq/common"
	"github.com/apex/log"
)

// SnapshotSource provides consistent copies of the broker state
type SnapshotSource interface {
	// Snapshot take a consistent copy of the broker state
	Snapshot() broker.Snapshot
}

// Params reporter settings
type Params struct {
	// RefreshInterval is the period between frames
	RefreshInterval time.Duration
	// IdleHeartbeatInterval is the period between idle lines while no pod has reported
	IdleHeartbeatInterval time.Duration
	// LivenessWindow is used to compute the active pod set
	LivenessWindow time.Duration
}

// Reporter periodically writes the broker state
type Reporter interface {
	// Start begin reporting
	Start() error
	// Stop stop reporting
	Stop() error
	// Tick write one frame, or an idle line if one is due
	Tick() error
}

// reporterImpl implements Reporter
type reporterImpl struct {
	common.Component
	source        SnapshotSource
	out           io.Writer
	params        Params
	timer         common.IntervalTimer
	lock          sync.Mutex
	lastHeartbeat time.Time
}

/*
GetReporter define a new dashboard reporter

	@param ctxt context.Context - the operating context
	@param wg *sync.WaitGroup - wait group for the reporter's timer goroutine
	@param source SnapshotSource - source of broker state
	@param out io.Writer - where frames are written
	@param params Params - reporter settings
	@return new Reporter
*/
func GetReporter(
	ctxt context.Context,
	wg *sync.WaitGroup,
	source SnapshotSource,
	out io.Writer,
	params Params,
) (Reporter, error) {
	logTags := log.Fields{"module": "dashboard", "component": "reporter"}
	if source == nil || out == nil {
		return nil, fmt.Errorf("dashboard requires a snapshot source and an output")
	}
	if params.RefreshInterval <= 0 || params.IdleHeartbeatInterval <= 0 || params.LivenessWindow <= 0 {
		return nil, fmt.Errorf("invalid dashboard parameters %+v", params)
	}
	timer, err := common.GetIntervalTimerInstance(ctxt, wg, "dashboard")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define refresh timer")
		return nil, err
	}
	return &reporterImpl{
		Component: common.Component{LogTags: logTags},
		source:    source,
		out:       out,
		params:    params,
		timer:     timer,
	}, nil
}

// Start begin reporting
func (r *reporterImpl) Start() error {
	log.WithFields(r.LogTags).Infof("Refreshing every %s", r.params.RefreshInterval)
	return r.timer.Start(r.params.RefreshInterval, r.Tick, false)
}

// Stop stop reporting
func (r *reporterImpl) Stop() error {
	return r.timer.Stop()
}

// Tick write one frame, or an idle line if one is due
func (r *reporterImpl) Tick() error {
	snapshot := r.source.Snapshot()
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(snapshot.Pods) == 0 {
		if !r.lastHeartbeat.IsZero() &&
			snapshot.TakenAt.Sub(r.lastHeartbeat) < r.params.IdleHeartbeatInterval {
			return nil
		}
		r.lastHeartbeat = snapshot.TakenAt
		return RenderHeartbeat(r.out, snapshot)
	}
	return Render(r.out, snapshot, r.params.LivenessWindow)
}
