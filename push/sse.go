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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Event names sent on a stream
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
	EventUpdate    = "update"
	EventShutdown  = "shutdown"
)

// StreamPreamble first bytes of every stream, the client reconnect delay in ms
const StreamPreamble = "retry: 5000\n\n"

// FormatEvent encode one server-sent event frame: "event: {name}\ndata: {json}\n\n"
func FormatEvent(name string, data interface{}) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return nil, fmt.Errorf("invalid event name '%s'", name)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(name) + len(encoded) + 16)
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteString("\ndata: ")
	buf.Write(encoded)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
