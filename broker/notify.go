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

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/push"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Notifier pushes an update to the streams of a route
type Notifier interface {
	Notify(ctxt context.Context, route string, notifyType string) (int, error)
}

// NotifyListener receives notify requests over NATS
type NotifyListener struct {
	common.Component
	nc            *nats.Conn
	subject       string
	notifier      Notifier
	notifyTimeout time.Duration

	lock sync.Mutex
	sub  *nats.Subscription
}

// NewNotifyListener define a new NATS notify listener
func NewNotifyListener(
	nc *nats.Conn, subject string, notifier Notifier, notifyTimeout time.Duration,
) (*NotifyListener, error) {
	if nc == nil || notifier == nil {
		return nil, fmt.Errorf("notify listener requires a NATS connection and a notifier")
	}
	if subject == "" {
		return nil, fmt.Errorf("notify listener requires a subject")
	}
	return &NotifyListener{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "broker", "component": "notify-listener", "subject": subject,
			},
		},
		nc:            nc,
		subject:       subject,
		notifier:      notifier,
		notifyTimeout: notifyTimeout,
	}, nil
}

// Start subscribe to the notify subject
func (l *NotifyListener) Start() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.sub != nil {
		return fmt.Errorf("notify listener already started")
	}
	sub, err := l.nc.Subscribe(l.subject, l.processMessage)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Failed to subscribe")
		return err
	}
	l.sub = sub
	log.WithFields(l.LogTags).Info("Listening for notify requests")
	return nil
}

// Stop drain the subscription. Messages already received are still processed.
func (l *NotifyListener) Stop() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.sub == nil {
		return nil
	}
	err := l.sub.Drain()
	l.sub = nil
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Failed to drain subscription")
		return err
	}
	log.WithFields(l.LogTags).Info("Stopped listening for notify requests")
	return nil
}

func (l *NotifyListener) processMessage(msg *nats.Msg) {
	request := push.ParseNotifyRequest(msg.Data)
	route := strings.TrimPrefix(request.Route, "/")
	if request.Route == "" {
		log.WithFields(l.LogTags).Warn("Dropping notify request without route")
		l.reply(msg, push.NotifyReport{Success: false, Error: "route missing"})
		return
	}

	ctxt, cancel := context.WithTimeout(context.Background(), l.notifyTimeout)
	defer cancel()
	notified, err := l.notifier.Notify(ctxt, route, request.Type)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Notify on '%s' failed", route)
		l.reply(msg, push.NotifyReport{Success: false, Route: route, Error: err.Error()})
		return
	}
	log.WithFields(l.LogTags).Debugf("Notify on '%s' reached %d streams", route, notified)
	l.reply(msg, push.NotifyReport{Success: true, Notified: notified, Route: route})
}

func (l *NotifyListener) reply(msg *nats.Msg, report push.NotifyReport) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(&report)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Failed to serialize notify report")
		return
	}
	if err := msg.Respond(payload); err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Failed to reply to notify request")
	}
}
