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

package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// RequestParam is a helper object for logging a control request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Source is the "host:port" the request arrived from
	Source string `json:"source"`
	// Address is the OSC address of the request
	Address string `json:"address"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_source"] = i.Source
	tags["request_address"] = fmt.Sprintf("'%s'", i.Address)
}

// UpdateLogTags copies the base log tags and adds the request parameters found in the context
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if !ok {
			return nil, fmt.Errorf("request param in context is not RequestParam")
		}
		v.UpdateLogTags(newLogTags)
	}
	return newLogTags, nil
}
