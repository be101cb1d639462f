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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/httppush/apis"
	"github.com/alwitt/httppush/broker"
	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/core"
	"github.com/alwitt/httppush/handlers"
	"github.com/alwitt/httppush/push"
	"github.com/apex/log"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	shutdownTimeout = time.Second * 10
	notifyTimeout   = time.Second * 5
)

// RunPushServer run the push server until the runtime context is cancelled
func RunPushServer(
	runTimeContext context.Context,
	config common.SystemConfig,
	instance string,
	fs afero.Fs,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "push-server",
		"instance":  instance,
	}

	registry, err := handlers.BuildRegistry(config.Handlers, fs)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to build handler registry")
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := push.MustNewMetrics(promRegistry)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	// The workers outlive the runtime context so the streams can be told of the shutdown
	poolCtxt, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	pool, err := push.NewPool(
		poolCtxt, push.PoolParamsFromConfig(config.Push), registry, metrics, &wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define worker pool")
		return err
	}
	if err := pool.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start worker pool")
		return err
	}
	defer func() {
		if err := pool.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during worker pool stop")
		}
	}()

	httpHandler, err := apis.GetAPIRestPushHandler(registry, pool, config.APIServer, config.Push)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Notify over NATS

	if config.NATS != nil {
		natsClient, err := core.GetNATSClient(core.NATSConnectParamsFromConfig(*config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS client")
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			natsClient.Close(ctxt)
		}()
		listener, err := broker.NewNotifyListener(
			natsClient.NATs(), config.NATS.NotifySubject, pool, notifyTimeout,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define notify listener")
			return err
		}
		if err := listener.Start(); err != nil {
			return err
		}
		defer func() {
			_ = listener.Stop()
		}()
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.BuildRouter(httpHandler, func(next http.Handler) http.Handler {
		return gorillaHandlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.APIServer.Server.ListenOn, config.APIServer.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.APIServer.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.APIServer.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	go func() {
		var err error
		if config.TLS.Enabled {
			err = httpSrv.ListenAndServeTLS(config.TLS.CertFile, config.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	scheme := "http"
	if config.TLS.Enabled {
		scheme = "https"
	}
	log.WithFields(logTags).Infof("Started HTTP server on %s://%s", scheme, serverListen)

	// -------------------------------------------------------------------
	// Start the metrics server

	var metricsSrv *http.Server
	if config.Metrics.Enabled {
		metricsRouter := http.NewServeMux()
		metricsRouter.Handle(
			"/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		)
		metricsListen := fmt.Sprintf("%s:%d", config.Metrics.ListenOn, config.Metrics.Port)
		metricsSrv = &http.Server{Addr: metricsListen, Handler: metricsRouter}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Error("Metrics Server Failure")
			}
		}()
		log.WithFields(logTags).Infof("Started metrics server on http://%s", metricsListen)
	}

	// ============================================================================

	<-localCtxt.Done()

	// Notify the streams before the listener goes away
	{
		ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(ctxt, "Server shutdown"); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during stream shutdown")
		}
	}

	// Stop the HTTP servers
	{
		ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(ctxt); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during metrics shutdown")
			}
		}
	}

	return nil
}
