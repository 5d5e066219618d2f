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
	"bytes"
	"net/http"

	"github.com/alwitt/curio/broker"
	"github.com/alwitt/curio/bus"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/mirror"
	"github.com/alwitt/curio/registry"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// BrokerCore broker internals exposed through the admin API
type BrokerCore interface {
	// Ready whether the connection acceptor is running
	Ready() bool
	// Stats connection counters
	Stats() broker.ServerStats
	// Bus the broadcast bus
	Bus() *broker.NotificationBus
	// Registry the subscriber registry
	Registry() registry.Registry
}

// MirrorCore event mirror internals exposed through the admin API
type MirrorCore interface {
	Stats() mirror.Stats
}

// APIRestAdminHandler REST handler for broker administration
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	core   BrokerCore
	mirror MirrorCore
}

// GetAPIRestAdminHandler define APIRestAdminHandler. mirrorCore may be nil.
func GetAPIRestAdminHandler(
	core BrokerCore, mirrorCore MirrorCore, httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "admin",
	}
	return APIRestAdminHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		}, core: core, mirror: mirrorCore,
	}, nil
}

// Write io.Writer for the HTTP access log
func (h APIRestAdminHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", bytes.TrimSpace(p))
	return len(p), nil
}

// BuildAdminRouter define the admin API routes under the path prefix
func BuildAdminRouter(h APIRestAdminHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	adminRouter := RegisterPathPrefix(mainRouter, "/v1/admin", nil)

	_ = RegisterPathPrefix(adminRouter, "/registry", MethodHandlers{
		"get": h.GetRegistryHandler(),
	})
	_ = RegisterPathPrefix(adminRouter, "/bus", MethodHandlers{
		"get": h.GetBusHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(adminRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(adminRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})

	router.Use(attachRequestID(*h.CallRequestIDHeaderField, h.LogTags))
	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(h, next)
	})
	return router
}

// -----------------------------------------------------------------------

// APIRestRespRegistryEntry registered connections of one application type
type APIRestRespRegistryEntry struct {
	// AppType is the application type
	AppType string `json:"app_type"`
	// Primary is the ID of the connection which forwards notifications for this type
	Primary string `json:"primary"`
	// Members are all registered connection IDs in registration order
	Members []string `json:"members"`
}

// APIRestRespRegistry response for the registry listing
type APIRestRespRegistry struct {
	goutils.RestAPIBaseResponse
	// Entries one per application type
	Entries []APIRestRespRegistryEntry `json:"entries"`
}

// GetRegistry godoc
// @Summary List registered consumers
// @Description List the registered connections of each application type, primary first
// @tags Admin
// @Produce json
// @Success 200 {object} APIRestRespRegistry "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/registry [get]
func (h APIRestAdminHandler) GetRegistry(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	entries, err := h.core.Registry().Snapshot(r.Context())
	if err != nil {
		msg := "unable to read subscriber registry"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	converted := make([]APIRestRespRegistryEntry, 0, len(entries))
	for _, entry := range entries {
		converted = append(converted, APIRestRespRegistryEntry{
			AppType: entry.AppType.String(),
			Primary: entry.Primary(),
			Members: entry.Members,
		})
	}
	respCode = http.StatusOK
	respBody = APIRestRespRegistry{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Entries: converted,
	}
}

// GetRegistryHandler Wrapper around GetRegistry
func (h APIRestAdminHandler) GetRegistryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRegistry(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespBus response for the bus stats query
type APIRestRespBus struct {
	goutils.RestAPIBaseResponse
	// Bus broadcast bus counters
	Bus bus.Stats `json:"bus"`
	// Connections connection counters
	Connections broker.ServerStats `json:"connections"`
	// Mirror event mirror counters, when the mirror is enabled
	Mirror *mirror.Stats `json:"mirror,omitempty"`
}

// GetBus godoc
// @Summary Query broadcast bus stats
// @Description Query the broadcast bus, connection and mirror counters
// @tags Admin
// @Produce json
// @Success 200 {object} APIRestRespBus "success"
// @Router /v1/admin/bus [get]
func (h APIRestAdminHandler) GetBus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespBus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Bus:         h.core.Bus().Stats(),
		Connections: h.core.Stats(),
	}
	if h.mirror != nil {
		stats := h.mirror.Stats()
		resp.Mirror = &stats
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetBusHandler Wrapper around GetBus
func (h APIRestAdminHandler) GetBusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetBus(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For admin REST API liveness check
// @Description Will return success to indicate admin REST API module is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/admin/alive [get]
func (h APIRestAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For admin REST API readiness check
// @Description Will return success if the broker is accepting connections
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	if h.core.Ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, "connection acceptor is not running",
		)
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
