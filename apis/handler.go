// Copyright 2021-2022 The cfgpoll Authors
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
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/cfgpoll/common"
	"github.com/alwitt/cfgpoll/configstore"
	"github.com/alwitt/cfgpoll/longpoll"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ReadinessCheck reports whether the server's dependencies are usable
type ReadinessCheck func() error

// APIRestConfigServiceHandler REST handler for the configuration service
type APIRestConfigServiceHandler struct {
	goutils.RestAPIHandler
	service     longpoll.LongPollingService
	sampler     longpoll.Sampler
	store       configstore.Store
	ready       ReadinessCheck
	validate    *validator.Validate
	baseContext context.Context
	// maxHold cap on the hold a listener may request, 0 if unbounded
	maxHold time.Duration
}

// GetAPIRestConfigServiceHandler define APIRestConfigServiceHandler
func GetAPIRestConfigServiceHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	service longpoll.LongPollingService,
	sampler longpoll.Sampler,
	store configstore.Store,
	ready ReadinessCheck,
) (APIRestConfigServiceHandler, error) {
	if service == nil || sampler == nil || store == nil {
		return APIRestConfigServiceHandler{}, fmt.Errorf(
			"config service handler requires long polling service, sampler and store",
		)
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "config-service",
	}
	return APIRestConfigServiceHandler{
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
		},
		service:     service,
		sampler:     sampler,
		store:       store,
		ready:       ready,
		validate:    validator.New(),
		baseContext: baseContext,
		maxHold:     httpConfig.Server.MaxHold(),
	}, nil
}

// Write access log support
func (h APIRestConfigServiceHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Metrics

// APIRestRespMetrics long polling counters
type APIRestRespMetrics struct {
	goutils.RestAPIBaseResponse
	// Sessions is the number of parked long polling sessions
	Sessions int `json:"sessions"`
	// RetainedClients is the number of clients answered within the retention window
	RetainedClients int `json:"retained_clients"`
}

// Metrics godoc
// @Summary Long polling counters
// @Description Number of parked long polling sessions and recently answered clients
// @tags Diagnostics
// @Produce json
// @Param Cfgpoll-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespMetrics "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/metrics [get]
func (h APIRestConfigServiceHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespMetrics{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Sessions:            h.service.SubscriberCount(),
		RetainedClients:     len(h.service.RetainedClients()),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// MetricsHandler Wrapper around Metrics
func (h APIRestConfigServiceHandler) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Metrics(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/alive [get]
func (h APIRestConfigServiceHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestConfigServiceHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the REST API module and its event bus are ready for use
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/ready [get]
func (h APIRestConfigServiceHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.baseContext.Err() != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, "server stopping",
		)
		return
	}
	if h.ready != nil {
		if err := h.ready(); err != nil {
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestConfigServiceHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
