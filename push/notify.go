// Copyright 2022 The httppush Authors
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

package push

import (
	"encoding/json"
	"strings"
)

// DefaultNotifyType update type used when a notify request does not name one
const DefaultNotifyType = "update"

// NotifyRequest body of a notify request
type NotifyRequest struct {
	// Route the route without the leading "/". Only read from NATS notify messages.
	Route string `json:"route,omitempty"`
	// Type the update type sent to the streams
	Type string `json:"type,omitempty"`
}

// ParseNotifyRequest parse a notify request body. A malformed or empty body results in a
// request with the default type.
func ParseNotifyRequest(body []byte) NotifyRequest {
	var request NotifyRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			request = NotifyRequest{}
		}
	}
	if request.Type == "" {
		request.Type = DefaultNotifyType
	}
	return request
}

// NotifyReport outcome of a notify request
type NotifyReport struct {
	Success  bool   `json:"success"`
	Notified int    `json:"notified"`
	Route    string `json:"route"`
	Error    string `json:"error,omitempty"`
}
