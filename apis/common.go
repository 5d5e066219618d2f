// Copyright 2021-2022 The curio Authors
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

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// attachRequestID middleware ensuring every request carries a request ID header.
// A caller provided ID is kept; otherwise a new one is generated.
func attachRequestID(headerField string, logTags log.Fields) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if headerField == "" {
				next.ServeHTTP(rw, r)
				return
			}
			reqID := r.Header.Get(headerField)
			if reqID == "" {
				reqID = uuid.New().String()
				r.Header.Set(headerField, reqID)
			}
			log.WithFields(logTags).Debugf("%s %s request ID %s", r.Method, r.URL, reqID)
			rw.Header().Set(headerField, reqID)
			next.ServeHTTP(rw, r)
		})
	}
}
