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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/handlers"
	"github.com/alwitt/httppush/push"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// maxRequestBodySize max number of request body bytes read by the POST endpoints
const maxRequestBodySize = 64 * 1024

// releaseTimeout max duration for releasing a finished stream
const releaseTimeout = time.Second * 5

// APIRestPushHandler REST handler for the push server
type APIRestPushHandler struct {
	goutils.RestAPIHandler
	registry          *handlers.Registry
	pool              *push.Pool
	validate          *validator.Validate
	sendBufferSize    int
	writeTimeout      time.Duration
	trustProxyHeaders bool
}

// GetAPIRestPushHandler define APIRestPushHandler
func GetAPIRestPushHandler(
	registry *handlers.Registry,
	pool *push.Pool,
	httpConfig common.HTTPConfig,
	pushConfig common.PushConfig,
) (APIRestPushHandler, error) {
	if registry == nil || pool == nil {
		return APIRestPushHandler{}, fmt.Errorf("push REST handler requires registry and pool")
	}
	logTags := log.Fields{"module": "apis", "component": "push"}
	return APIRestPushHandler{
		RestAPIHandler:    defineRestAPIHandler(logTags, httpConfig),
		registry:          registry,
		pool:              pool,
		validate:          validator.New(),
		sendBufferSize:    pushConfig.SendBufferSize,
		writeTimeout:      time.Second * time.Duration(pushConfig.WriteTimeout),
		trustProxyHeaders: pushConfig.TrustProxyHeaders,
	}, nil
}

// Write logging support
func (h APIRestPushHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Stats

// Stats report the open streams
func (h APIRestPushHandler) Stats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.pool.Stats(r.Context())
	if err != nil {
		msg := "Unable to collect stats"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = stats
}

// StatsHandler Wrapper around Stats
func (h APIRestPushHandler) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	}
}

// =======================================================================
// Notify

// Notify push an update to the notify handler streams on a route
func (h APIRestPushHandler) Notify(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	route := mux.Vars(r)["route"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Unable to read notify body")
	}
	request := push.ParseNotifyRequest(body)

	notified, err := h.pool.Notify(r.Context(), route, request.Type)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Notify on '%s' failed", route)
		respCode = http.StatusInternalServerError
		respBody = push.NotifyReport{Success: false, Route: route, Error: err.Error()}
		return
	}
	log.WithFields(localLogTags).Debugf("Notify on '%s' reached %d streams", route, notified)
	respCode = http.StatusOK
	respBody = push.NotifyReport{Success: true, Notified: notified, Route: route}
}

// NotifyHandler Wrapper around Notify
func (h APIRestPushHandler) NotifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Notify(w, r)
	}
}

// =======================================================================
// Client events

// ClientEventRequest body of a client event request
type ClientEventRequest struct {
	Event        string                 `json:"event" validate:"required"`
	Data         map[string]interface{} `json:"data,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
}

// ClientEventResponse response to a client event request
type ClientEventResponse struct {
	goutils.RestAPIBaseResponse
	Refreshed bool                   `json:"refreshed"`
	Response  map[string]interface{} `json:"response"`
}

// ClientEvent pass a client event to the handler of a route
func (h APIRestPushHandler) ClientEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	handlerName := vars["handler"]
	route := vars["route"]
	if route == "" {
		route = "/"
	}
	if !h.registry.Has(handlerName) {
		msg := fmt.Sprintf("Handler '%s' not found", handlerName)
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	var request ClientEventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&request); err != nil {
		msg := "Unable to parse client event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Client event is not valid"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	result, err := h.pool.ClientEvent(r.Context(), push.ClientEvent{
		ClientAddr:   clientAddress(r, h.trustProxyHeaders),
		Handler:      handlerName,
		Route:        route,
		Event:        request.Event,
		Data:         request.Data,
		ConnectionID: request.ConnectionID,
	})
	if err != nil {
		respCode = http.StatusInternalServerError
		if errors.Is(err, handlers.ErrHandlerNotFound) {
			respCode = http.StatusNotFound
		}
		msg := "Unable to process client event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = ClientEventResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Refreshed:           result.Refreshed,
		Response:            result.Response,
	}
}

// ClientEventHandler Wrapper around ClientEvent
func (h APIRestPushHandler) ClientEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ClientEvent(w, r)
	}
}

// =======================================================================
// Event stream

// admissionFailureCode the response code for a refused stream
func admissionFailureCode(err error) int {
	switch {
	case errors.Is(err, handlers.ErrHandlerNotFound):
		return http.StatusNotFound
	case errors.Is(err, push.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, push.ErrShuttingDown), errors.Is(err, push.ErrWorkerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// EventStream open a server-sent event stream for a handler and route. The stream stays
// open until the client leaves, or the server closes it.
func (h APIRestPushHandler) EventStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	streaming := false
	var respCode int
	var respBody interface{}
	defer func() {
		if streaming {
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	handlerName := vars["handler"]
	route := vars["route"]
	if route == "" {
		route = "/"
	}
	if !h.registry.Has(handlerName) {
		msg := fmt.Sprintf("Handler '%s' not found", handlerName)
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	conn := push.NewConnection(
		push.SubscriptionKey{Handler: handlerName, Route: route},
		clientAddress(r, h.trustProxyHeaders),
		h.sendBufferSize,
	)
	logTags := localLogTags
	logTags["handler"] = handlerName
	logTags["route"] = route
	logTags["connection"] = conn.ID
	logTags["client"] = conn.ClientAddr

	if err := h.pool.Admit(r.Context(), conn); err != nil {
		respCode = admissionFailureCode(err)
		if respCode == http.StatusInternalServerError {
			// The admission may still complete after the caller gave up
			h.release(conn, logTags)
		}
		msg := "Stream refused"
		log.WithError(err).WithFields(logTags).Warn(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	defer h.release(conn, logTags)

	streaming = true
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writer := http.NewResponseController(w)
	writeFrame := func(frame []byte) error {
		if err := writer.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil &&
			!errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := writeFrame([]byte(push.StreamPreamble)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event stream")
		return
	}
	log.WithFields(logTags).Info("Event stream open")

	for {
		select {
		case frame := <-conn.Outbound():
			if err := writeFrame(frame); err != nil {
				log.WithError(err).WithFields(logTags).Warn("Event stream write failed")
				return
			}
		case <-conn.Closed():
			// Write out what was queued before the close, i.e. the shutdown event
			for {
				select {
				case frame := <-conn.Outbound():
					if err := writeFrame(frame); err != nil {
						log.WithError(err).WithFields(logTags).Warn("Event stream write failed")
						return
					}
				default:
					log.WithFields(logTags).Info("Event stream closed by server")
					return
				}
			}
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Event stream closed by client")
			return
		}
	}
}

// release drop a finished stream from its worker
func (h APIRestPushHandler) release(conn *push.Connection, logTags log.Fields) {
	ctxt, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := h.pool.Release(ctxt, conn); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Unable to release stream")
	}
}

// EventStreamHandler Wrapper around EventStream
func (h APIRestPushHandler) EventStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EventStream(w, r)
	}
}

// =======================================================================
// Fallback

// Unmatched answer requests matching no endpoint: 404 for GET, 405 for other methods
func (h APIRestPushHandler) Unmatched(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respCode := http.StatusNotFound
	msg := fmt.Sprintf("No endpoint for %s", r.URL.Path)
	if r.Method != http.MethodGet {
		respCode = http.StatusMethodNotAllowed
		msg = fmt.Sprintf("Method %s not allowed", r.Method)
	}
	respBody := h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// UnmatchedHandler Wrapper around Unmatched
func (h APIRestPushHandler) UnmatchedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unmatched(w, r)
	}
}
