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
	"net/http"

	"github.com/gorilla/mux"
)

// BuildRouter define the push server request router
//
// accessLog, when set, wraps every endpoint except the event streams.
func BuildRouter(
	h APIRestPushHandler, accessLog func(next http.Handler) http.Handler,
) http.Handler {
	// Routes are taken verbatim, "/sse/comments//a" subscribes to "//a"
	router := mux.NewRouter().SkipClean(true)

	// Event streams
	_ = RegisterPathPrefix(router, "/sse/{handler}", MethodHandlers{
		"get": h.EventStreamHandler(),
	})
	_ = RegisterPathPrefix(router, "/sse/{handler}{route:/.*}", MethodHandlers{
		"get": h.EventStreamHandler(),
	})

	requestRouter := router.NewRoute().Subrouter()
	if accessLog != nil {
		requestRouter.Use(accessLog)
	}

	_ = RegisterPathPrefix(requestRouter, "/stats", MethodHandlers{
		"get": h.StatsHandler(),
	})
	_ = RegisterPathPrefix(requestRouter, "/notify/{route:.*}", MethodHandlers{
		"post": h.NotifyHandler(),
	})
	_ = RegisterPathPrefix(requestRouter, "/event/{handler}", MethodHandlers{
		"post": h.ClientEventHandler(),
	})
	_ = RegisterPathPrefix(requestRouter, "/event/{handler}{route:/.*}", MethodHandlers{
		"post": h.ClientEventHandler(),
	})

	router.NotFoundHandler = h.UnmatchedHandler()
	router.MethodNotAllowedHandler = h.UnmatchedHandler()

	return WithCORS(router)
}
