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

package handlers

import (
	"errors"
	"fmt"
)

// Config is the static configuration of a handler. It is read-only once registered.
type Config map[string]interface{}

// ChangeEvent a handler's report that something changed under a route
type ChangeEvent struct {
	// Watermark is the new last-seen-change marker. Must not be less than the watermark
	// the change was detected against.
	Watermark int64
	// Payload is the handler specific event content
	Payload map[string]interface{}
}

// Handler is the capability set every change detection handler provides.
//
// A handler instance is only ever called from one worker event loop at a time per worker;
// handlers shared across workers must tolerate concurrent calls from different workers.
type Handler interface {
	// WatchTargets list the identifiers (i.e. file paths) watched for a route. Empty when the
	// route resolves to nothing.
	WatchTargets(route string) ([]string, error)
	// DetectChange report a change if any watch target was modified after since. Returns nil
	// when nothing changed. Must be safe to call repeatedly with the same watermark.
	DetectChange(route string, since int64) (*ChangeEvent, error)
	// EventType a stable label distinguishing this handler's events
	EventType() string
	// HandleClientMessage answer a client initiated query. Returns nil when there is no
	// response for the event.
	HandleClientMessage(
		event string, payload map[string]interface{}, route string,
	) (map[string]interface{}, error)
	// Configuration the handler's static configuration
	Configuration() Config
}

// SnapshotProvider is implemented by handlers which can describe the current state of a
// route. Newly opened streams receive the snapshot right after the connected event.
type SnapshotProvider interface {
	Snapshot(route string) (map[string]interface{}, error)
}

// Factory constructs a handler instance from its configuration
type Factory func(cfg Config) (Handler, error)

// ========================================================================================
// Errors

var (
	// ErrDuplicateHandlerName a handler is already registered under the name
	ErrDuplicateHandlerName = errors.New("handler name already registered")
	// ErrUnknownHandlerCapability the provider does not implement the handler capability set
	ErrUnknownHandlerCapability = errors.New("provider does not implement the handler capability set")
	// ErrInvalidHandlerName the handler name can not be used as a path segment / key prefix
	ErrInvalidHandlerName = errors.New("invalid handler name")
	// ErrHandlerNotFound no handler is registered under the name
	ErrHandlerNotFound = errors.New("handler not found")
)

// HandlerRuntimeError an error or panic raised inside a handler capability call
type HandlerRuntimeError struct {
	Handler   string
	Route     string
	Operation string
	Err       error
}

// Error implements error
func (e *HandlerRuntimeError) Error() string {
	return fmt.Sprintf(
		"handler '%s' failed %s on route '%s': %s", e.Handler, e.Operation, e.Route, e.Err,
	)
}

// Unwrap support errors.Is / errors.As
func (e *HandlerRuntimeError) Unwrap() error {
	return e.Err
}

// ========================================================================================
// Guarded capability calls

// guard execute one capability call, converting returned errors and panics into
// HandlerRuntimeError
func guard(handler, route, operation string, call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerRuntimeError{
				Handler: handler, Route: route, Operation: operation, Err: fmt.Errorf("panic: %v", r),
			}
		}
	}()
	if callErr := call(); callErr != nil {
		return &HandlerRuntimeError{
			Handler: handler, Route: route, Operation: operation, Err: callErr,
		}
	}
	return nil
}

// SafeDetectChange call DetectChange on a handler
func SafeDetectChange(
	name string, h Handler, route string, since int64,
) (event *ChangeEvent, err error) {
	err = guard(name, route, "detect-change", func() error {
		var callErr error
		event, callErr = h.DetectChange(route, since)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// SafeHandleClientMessage call HandleClientMessage on a handler
func SafeHandleClientMessage(
	name string, h Handler, event string, payload map[string]interface{}, route string,
) (resp map[string]interface{}, err error) {
	err = guard(name, route, "client-message", func() error {
		var callErr error
		resp, callErr = h.HandleClientMessage(event, payload, route)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SafeSnapshot call Snapshot on a handler if it supports snapshots. Returns nil if the
// handler does not.
func SafeSnapshot(name string, h Handler, route string) (snap map[string]interface{}, err error) {
	provider, ok := h.(SnapshotProvider)
	if !ok {
		return nil, nil
	}
	err = guard(name, route, "snapshot", func() error {
		var callErr error
		snap, callErr = provider.Snapshot(route)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SafeEventType call EventType on a handler
func SafeEventType(name string, h Handler) (eventType string, err error) {
	err = guard(name, "", "event-type", func() error {
		eventType = h.EventType()
		return nil
	})
	return eventType, err
}
