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
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/handlers"
	"github.com/apex/log"
)

// ClientPingEvent client event which only refreshes stream liveness
const ClientPingEvent = "ping"

// WorkerParams operating parameters of one worker
type WorkerParams struct {
	// Name worker instance name
	Name string
	// MaxConnectionsPerAddress max number of open streams per client address
	MaxConnectionsPerAddress int
	// HeartbeatInterval interval between heartbeat ticks
	HeartbeatInterval time.Duration
	// ConnectionTimeout max time without liveness refresh before a stream is evicted
	ConnectionTimeout time.Duration
	// CheckInterval interval between change polls
	CheckInterval time.Duration
	// NotifyHandler the handler whose streams receive notify pushes
	NotifyHandler string
	// TaskBuffer size of the event loop task queue
	TaskBuffer int
	// Clock source of the current time. Defaults to time.Now.
	Clock func() time.Time
}

// ClientEvent a client initiated event for a handler
type ClientEvent struct {
	ClientAddr   string
	Handler      string
	Route        string
	Event        string
	Data         map[string]interface{}
	ConnectionID string
}

// ClientEventResult outcome of processing a ClientEvent
type ClientEventResult struct {
	// Refreshed whether the liveness of the named connection was refreshed
	Refreshed bool
	// Response the handler's response, nil if none
	Response map[string]interface{}
}

// Stats point in time view of open streams
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Handlers         map[string]int `json:"handlers"`
	Subscriptions    map[string]int `json:"subscriptions"`
	Uptime           int64          `json:"uptime"`
}

// Worker owns a disjoint set of event streams. All of its state is only touched from its
// event loop.
type Worker interface {
	// Start start the event loop, and the poll and heartbeat timers
	Start() error
	// Stop stop the timers and the event loop
	Stop() error
	// Admit admit a new stream, subject to the per address limit
	Admit(ctxt context.Context, conn *Connection) error
	// Release close a stream whose client went away
	Release(ctxt context.Context, connectionID string) error
	// Notify push an update to the notify handler streams on "/{route}". Returns the number
	// of streams matched.
	Notify(ctxt context.Context, route string, notifyType string) (int, error)
	// Stats current stream counts
	Stats(ctxt context.Context) (Stats, error)
	// ClientEvent process a client initiated event
	ClientEvent(ctxt context.Context, event ClientEvent) (ClientEventResult, error)
	// Shutdown refuse new streams, send every stream the shutdown event, then close them
	Shutdown(ctxt context.Context, reason string) error
	// Poll run one change poll tick
	Poll(ctxt context.Context) error
	// Heartbeat run one heartbeat tick
	Heartbeat(ctxt context.Context) error
}

// workerImpl implements Worker
type workerImpl struct {
	common.Component
	params       WorkerParams
	registry     *handlers.Registry
	metrics      *Metrics
	tp           common.TaskProcessor
	pollTimer    common.IntervalTimer
	beatTimer    common.IntervalTimer
	wg           *sync.WaitGroup
	runtimeCtxt  context.Context
	stopRuntime  context.CancelFunc
	table        *connectionTable
	watermarks   map[SubscriptionKey]int64
	shuttingDown bool
}

// NewWorker define a new worker
func NewWorker(
	parentCtxt context.Context,
	params WorkerParams,
	registry *handlers.Registry,
	metrics *Metrics,
	wg *sync.WaitGroup,
) (Worker, error) {
	if registry == nil {
		return nil, fmt.Errorf("worker %s requires a handler registry", params.Name)
	}
	if params.MaxConnectionsPerAddress < 1 {
		return nil, fmt.Errorf(
			"worker %s: invalid max connections per address %d",
			params.Name,
			params.MaxConnectionsPerAddress,
		)
	}
	if params.ConnectionTimeout <= params.HeartbeatInterval {
		return nil, fmt.Errorf(
			"worker %s: connection timeout %s must exceed heartbeat interval %s",
			params.Name,
			params.ConnectionTimeout,
			params.HeartbeatInterval,
		)
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	logTags := log.Fields{"module": "push", "component": "worker", "instance": params.Name}

	runtimeCtxt, cancel := context.WithCancel(parentCtxt)
	tp, err := common.GetNewTaskProcessorInstance(runtimeCtxt, params.Name, params.TaskBuffer)
	if err != nil {
		cancel()
		return nil, err
	}
	pollTimer, err := common.GetIntervalTimerInstance(
		runtimeCtxt, fmt.Sprintf("%s-poll", params.Name), wg,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	beatTimer, err := common.GetIntervalTimerInstance(
		runtimeCtxt, fmt.Sprintf("%s-heartbeat", params.Name), wg,
	)
	if err != nil {
		cancel()
		return nil, err
	}

	instance := &workerImpl{
		Component:   common.Component{LogTags: logTags},
		params:      params,
		registry:    registry,
		metrics:     metrics,
		tp:          tp,
		pollTimer:   pollTimer,
		beatTimer:   beatTimer,
		wg:          wg,
		runtimeCtxt: runtimeCtxt,
		stopRuntime: cancel,
		table:       newConnectionTable(),
		watermarks:  make(map[SubscriptionKey]int64),
	}

	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(workerAdmitReq{}):       instance.processAdmitRequest,
		reflect.TypeOf(workerReleaseReq{}):     instance.processReleaseRequest,
		reflect.TypeOf(workerNotifyReq{}):      instance.processNotifyRequest,
		reflect.TypeOf(workerStatsReq{}):       instance.processStatsRequest,
		reflect.TypeOf(workerClientEventReq{}): instance.processClientEventRequest,
		reflect.TypeOf(workerShutdownReq{}):    instance.processShutdownRequest,
		reflect.TypeOf(workerPollReq{}):        instance.processPollRequest,
		reflect.TypeOf(workerHeartbeatReq{}):   instance.processHeartbeatRequest,
	}); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

// Start start the event loop, and the poll and heartbeat timers
func (w *workerImpl) Start() error {
	if err := w.tp.StartEventLoop(w.wg); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Failed to start event loop")
		return err
	}
	if err := w.pollTimer.Start(w.params.CheckInterval, func() error {
		return w.Poll(w.runtimeCtxt)
	}, false); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Failed to start poll timer")
		return err
	}
	if err := w.beatTimer.Start(w.params.HeartbeatInterval, func() error {
		return w.Heartbeat(w.runtimeCtxt)
	}, false); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Failed to start heartbeat timer")
		return err
	}
	return nil
}

// Stop stop the timers and the event loop
func (w *workerImpl) Stop() error {
	if err := w.pollTimer.Stop(); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Failed to stop poll timer")
	}
	if err := w.beatTimer.Stop(); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Failed to stop heartbeat timer")
	}
	err := w.tp.StopEventLoop()
	w.stopRuntime()
	return err
}

// submitAndWait submit a request to the event loop, and wait for the request to complete
func (w *workerImpl) submitAndWait(
	ctxt context.Context, request interface{}, complete <-chan bool,
) error {
	if err := w.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf(
			"Failed to submit %s", reflect.TypeOf(request),
		)
		return err
	}
	select {
	case <-complete:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-w.runtimeCtxt.Done():
		return ErrWorkerStopped
	}
}

// ----------------------------------------------------------------------------------------
// Delivery

// deliver queue an already encoded frame onto a stream
func (w *workerImpl) deliver(conn *Connection, event string, frame []byte) error {
	err := conn.send(frame)
	w.metrics.eventSent(event, err)
	if err != nil {
		log.WithError(err).WithFields(w.connectionLogTags(conn)).Warnf("Unable to send %s", event)
	}
	return err
}

// sendEvent encode and queue an event onto a stream
func (w *workerImpl) sendEvent(conn *Connection, event string, data interface{}) error {
	frame, err := FormatEvent(event, data)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Failed to encode %s event", event)
		return err
	}
	return w.deliver(conn, event, frame)
}

// updatePayload merge a handler payload with the subscription key it is sent under
func (w *workerImpl) updatePayload(
	key SubscriptionKey, payload map[string]interface{},
) map[string]interface{} {
	merged := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		merged[k] = v
	}
	merged["handler"] = key.Handler
	merged["route"] = key.Route
	if _, ok := merged["timestamp"]; !ok {
		merged["timestamp"] = w.params.Clock().Unix()
	}
	return merged
}

// connectionLogTags log tags describing one stream
func (w *workerImpl) connectionLogTags(conn *Connection) log.Fields {
	return w.ExtendLogTags(log.Fields{
		"connection": conn.ID,
		"handler":    conn.Key.Handler,
		"route":      conn.Key.Route,
		"client":     conn.ClientAddr,
	})
}

// closeConnection drop a stream from the table and the subscription index, then close it
func (w *workerImpl) closeConnection(connectionID string, reason string) bool {
	conn, ok := w.table.remove(connectionID)
	if !ok {
		return false
	}
	conn.close()
	w.metrics.connectionClosed(conn.Key.Handler)
	log.WithFields(w.connectionLogTags(conn)).Infof("Closed connection (%s)", reason)
	return true
}

// ----------------------------------------------------------------------------------------
// Admission

type workerAdmitReq struct {
	conn     *Connection
	resultCB func(error)
}

// Admit admit a new stream, subject to the per address limit
func (w *workerImpl) Admit(ctxt context.Context, conn *Connection) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	request := workerAdmitReq{conn: conn, resultCB: handler}
	if err := w.submitAndWait(ctxt, request, complete); err != nil {
		return err
	}
	return processError
}

func (w *workerImpl) processAdmitRequest(param interface{}) error {
	request, ok := param.(workerAdmitReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for admit", reflect.TypeOf(param))
	}
	err := w.admit(request.conn)
	request.resultCB(err)
	return nil
}

func (w *workerImpl) admit(conn *Connection) error {
	if w.shuttingDown {
		w.metrics.admissionRejected("shutdown")
		return ErrShuttingDown
	}
	if !w.registry.Has(conn.Key.Handler) {
		w.metrics.admissionRejected("unknown-handler")
		return fmt.Errorf("%w: %s", handlers.ErrHandlerNotFound, conn.Key.Handler)
	}
	if w.table.countByAddress(conn.ClientAddr) >= w.params.MaxConnectionsPerAddress {
		w.metrics.admissionRejected("rate-limit")
		log.WithFields(w.LogTags).Warnf(
			"Refusing connection on %s from %s: at limit of %d",
			conn.Key,
			conn.ClientAddr,
			w.params.MaxConnectionsPerAddress,
		)
		return ErrRateLimited
	}

	now := w.params.Clock()
	conn.StartedAt = now
	conn.LastLiveness = now
	if err := w.table.add(conn); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Unable to record connection")
		return err
	}
	w.metrics.connectionOpened(conn.Key.Handler)
	log.WithFields(w.connectionLogTags(conn)).Info("Admitted connection")

	connected := map[string]interface{}{
		"status":        "connected",
		"timestamp":     now.Unix(),
		"handler":       conn.Key.Handler,
		"route":         conn.Key.Route,
		"connection_id": conn.ID,
	}
	h, err := w.registry.Get(conn.Key.Handler)
	if err != nil {
		log.WithError(err).WithFields(w.connectionLogTags(conn)).Error("Unable to fetch handler")
		w.metrics.handlerError(conn.Key.Handler, "construct")
		_ = w.sendEvent(conn, EventConnected, connected)
		return nil
	}
	if eventType, err := handlers.SafeEventType(conn.Key.Handler, h); err != nil {
		log.WithError(err).WithFields(w.connectionLogTags(conn)).Error("Event type lookup failed")
		w.metrics.handlerError(conn.Key.Handler, "event-type")
	} else {
		connected["event_type"] = eventType
	}
	_ = w.sendEvent(conn, EventConnected, connected)

	snapshot, err := handlers.SafeSnapshot(conn.Key.Handler, h, conn.Key.Route)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Snapshot of %s failed", conn.Key)
		w.metrics.handlerError(conn.Key.Handler, "snapshot")
		return nil
	}
	if snapshot != nil {
		_ = w.sendEvent(conn, EventUpdate, w.updatePayload(conn.Key, snapshot))
	}
	return nil
}

// ----------------------------------------------------------------------------------------
// Release

type workerReleaseReq struct {
	connectionID string
	resultCB     func(error)
}

// Release close a stream whose client went away
func (w *workerImpl) Release(ctxt context.Context, connectionID string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	request := workerReleaseReq{connectionID: connectionID, resultCB: handler}
	if err := w.submitAndWait(ctxt, request, complete); err != nil {
		return err
	}
	return processError
}

func (w *workerImpl) processReleaseRequest(param interface{}) error {
	request, ok := param.(workerReleaseReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for release", reflect.TypeOf(param))
	}
	w.closeConnection(request.connectionID, "client disconnect")
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------
// Notify

type workerNotifyReq struct {
	route      string
	notifyType string
	resultCB   func(int, error)
}

// Notify push an update to the notify handler streams on "/{route}"
func (w *workerImpl) Notify(ctxt context.Context, route string, notifyType string) (int, error) {
	complete := make(chan bool, 1)
	var processError error
	var notified int
	handler := func(count int, err error) {
		notified = count
		processError = err
		complete <- true
	}
	request := workerNotifyReq{route: route, notifyType: notifyType, resultCB: handler}
	if err := w.submitAndWait(ctxt, request, complete); err != nil {
		return 0, err
	}
	return notified, processError
}

func (w *workerImpl) processNotifyRequest(param interface{}) error {
	request, ok := param.(workerNotifyReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for notify", reflect.TypeOf(param))
	}
	count, err := w.notify(request.route, request.notifyType)
	request.resultCB(count, err)
	return nil
}

func (w *workerImpl) notify(route string, notifyType string) (int, error) {
	target := SubscriptionKey{Handler: w.params.NotifyHandler, Route: "/" + route}
	subscribers := w.table.subscribers(target)
	if len(subscribers) == 0 {
		return 0, nil
	}
	frame, err := FormatEvent(EventUpdate, map[string]interface{}{
		"type":      notifyType,
		"route":     route,
		"timestamp": w.params.Clock().Unix(),
	})
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Failed to encode notify update")
		return 0, err
	}
	for _, conn := range subscribers {
		_ = w.deliver(conn, EventUpdate, frame)
	}
	log.WithFields(w.LogTags).Debugf("Notified %d connections on %s", len(subscribers), target)
	return len(subscribers), nil
}

// ----------------------------------------------------------------------------------------
// Stats

type workerStatsReq struct {
	resultCB func(Stats)
}

// Stats current stream counts
func (w *workerImpl) Stats(ctxt context.Context) (Stats, error) {
	complete := make(chan bool, 1)
	var stats Stats
	handler := func(result Stats) {
		stats = result
		complete <- true
	}
	if err := w.submitAndWait(ctxt, workerStatsReq{resultCB: handler}, complete); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (w *workerImpl) processStatsRequest(param interface{}) error {
	request, ok := param.(workerStatsReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for stats", reflect.TypeOf(param))
	}
	stats := Stats{
		TotalConnections: w.table.size(),
		Handlers:         map[string]int{},
		Subscriptions:    map[string]int{},
	}
	for _, key := range w.table.keys() {
		count := w.table.subscriberCount(key)
		stats.Handlers[key.Handler] += count
		stats.Subscriptions[key.String()] = count
	}
	request.resultCB(stats)
	return nil
}

// ----------------------------------------------------------------------------------------
// Client events

type workerClientEventReq struct {
	event    ClientEvent
	resultCB func(ClientEventResult, error)
}

// ClientEvent process a client initiated event
func (w *workerImpl) ClientEvent(
	ctxt context.Context, event ClientEvent,
) (ClientEventResult, error) {
	complete := make(chan bool, 1)
	var processError error
	var result ClientEventResult
	handler := func(r ClientEventResult, err error) {
		result = r
		processError = err
		complete <- true
	}
	request := workerClientEventReq{event: event, resultCB: handler}
	if err := w.submitAndWait(ctxt, request, complete); err != nil {
		return ClientEventResult{}, err
	}
	return result, processError
}

func (w *workerImpl) processClientEventRequest(param interface{}) error {
	request, ok := param.(workerClientEventReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for client event", reflect.TypeOf(param),
		)
	}
	result, err := w.clientEvent(request.event)
	request.resultCB(result, err)
	return nil
}

func (w *workerImpl) clientEvent(event ClientEvent) (ClientEventResult, error) {
	result := ClientEventResult{}
	if event.ConnectionID != "" {
		if conn, ok := w.table.get(event.ConnectionID); ok && conn.ClientAddr == event.ClientAddr {
			conn.LastLiveness = w.params.Clock()
			result.Refreshed = true
		}
	}
	if event.Event == ClientPingEvent {
		return result, nil
	}

	h, err := w.registry.Get(event.Handler)
	if err != nil {
		if errors.Is(err, handlers.ErrHandlerNotFound) {
			return result, err
		}
		log.WithError(err).WithFields(w.LogTags).Errorf(
			"Unable to fetch handler %s for client event", event.Handler,
		)
		w.metrics.handlerError(event.Handler, "construct")
		return result, nil
	}
	resp, err := handlers.SafeHandleClientMessage(
		event.Handler, h, event.Event, event.Data, event.Route,
	)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf(
			"Client event '%s' failed on %s:%s", event.Event, event.Handler, event.Route,
		)
		w.metrics.handlerError(event.Handler, "client-message")
		return result, nil
	}
	result.Response = resp
	return result, nil
}

// ----------------------------------------------------------------------------------------
// Shutdown

type workerShutdownReq struct {
	reason   string
	resultCB func(error)
}

// Shutdown refuse new streams, send every stream the shutdown event, then close them
func (w *workerImpl) Shutdown(ctxt context.Context, reason string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	request := workerShutdownReq{reason: reason, resultCB: handler}
	if err := w.submitAndWait(ctxt, request, complete); err != nil {
		return err
	}
	return processError
}

func (w *workerImpl) processShutdownRequest(param interface{}) error {
	request, ok := param.(workerShutdownReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for shutdown", reflect.TypeOf(param))
	}
	w.shuttingDown = true
	connections := w.table.all()
	log.WithFields(w.LogTags).Infof("Shutting down %d connections", len(connections))
	for _, conn := range connections {
		frame, err := FormatEvent(EventShutdown, map[string]interface{}{
			"reason":    request.reason,
			"timestamp": w.params.Clock().Unix(),
		})
		if err == nil {
			var dropped int
			dropped, err = conn.sendFinal(frame)
			if dropped > 0 {
				log.WithFields(w.connectionLogTags(conn)).Warnf(
					"Dropped %d queued frames to fit shutdown", dropped,
				)
			}
		}
		w.metrics.eventSent(EventShutdown, err)
		if err != nil {
			log.WithError(err).WithFields(w.connectionLogTags(conn)).Error("Unable to send shutdown")
		}
		w.closeConnection(conn.ID, "server shutdown")
	}
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------
// Change poll

type workerPollReq struct {
	resultCB func(error)
}

// Poll run one change poll tick
func (w *workerImpl) Poll(ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	if err := w.submitAndWait(ctxt, workerPollReq{resultCB: handler}, complete); err != nil {
		return err
	}
	return processError
}

func (w *workerImpl) processPollRequest(param interface{}) error {
	request, ok := param.(workerPollReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for poll", reflect.TypeOf(param))
	}
	start := time.Now()
	for _, key := range w.table.keys() {
		w.pollKey(key)
	}
	w.metrics.observePoll(time.Since(start))
	request.resultCB(nil)
	return nil
}

// pollKey check one subscription key for changes, and broadcast any found
func (w *workerImpl) pollKey(key SubscriptionKey) {
	h, err := w.registry.Get(key.Handler)
	if err != nil {
		if errors.Is(err, handlers.ErrHandlerNotFound) {
			log.WithFields(w.LogTags).Debugf("Skipping orphaned subscription %s", key)
			return
		}
		log.WithError(err).WithFields(w.LogTags).Errorf("Unable to fetch handler for %s", key)
		w.metrics.handlerError(key.Handler, "construct")
		return
	}

	since := w.watermarks[key]
	event, err := handlers.SafeDetectChange(key.Handler, h, key.Route, since)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Change detection failed for %s", key)
		w.metrics.handlerError(key.Handler, "detect-change")
		return
	}
	if event == nil {
		return
	}

	if event.Watermark < since {
		log.WithFields(w.LogTags).Warnf(
			"Handler reported regressing watermark %d < %d for %s", event.Watermark, since, key,
		)
	} else {
		w.watermarks[key] = event.Watermark
	}

	frame, err := FormatEvent(EventUpdate, w.updatePayload(key, event.Payload))
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Failed to encode update for %s", key)
		return
	}
	subscribers := w.table.subscribers(key)
	log.WithFields(w.LogTags).Debugf(
		"Change detected on %s, notifying %d connections", key, len(subscribers),
	)
	for _, conn := range subscribers {
		_ = w.deliver(conn, EventUpdate, frame)
	}
}

// ----------------------------------------------------------------------------------------
// Heartbeat

type workerHeartbeatReq struct {
	resultCB func(error)
}

// Heartbeat run one heartbeat tick
func (w *workerImpl) Heartbeat(ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	if err := w.submitAndWait(ctxt, workerHeartbeatReq{resultCB: handler}, complete); err != nil {
		return err
	}
	return processError
}

func (w *workerImpl) processHeartbeatRequest(param interface{}) error {
	request, ok := param.(workerHeartbeatReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for heartbeat", reflect.TypeOf(param))
	}
	now := w.params.Clock()
	for _, conn := range w.table.all() {
		if now.Sub(conn.LastLiveness) > w.params.ConnectionTimeout {
			w.closeConnection(conn.ID, "liveness timeout")
			continue
		}
		err := w.sendEvent(conn, EventHeartbeat, map[string]interface{}{
			"timestamp": now.Unix(),
			"uptime":    int64(now.Sub(conn.StartedAt).Seconds()),
		})
		if err == nil {
			conn.LastLiveness = now
		}
	}
	request.resultCB(nil)
	return nil
}
