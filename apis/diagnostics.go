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
	"net/http"

	"github.com/alwitt/cfgpoll/longpoll"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// APIRestRespSample response carrying a listener sample
type APIRestRespSample struct {
	goutils.RestAPIBaseResponse
	longpoll.SampleResult
}

// ListenersByConfig godoc
// @Summary Clients listening on a configuration
// @Description Sample which clients are holding a listener on a configuration, and the
// fingerprints they hold. Several samples are taken a short pause apart and merged.
// @tags Diagnostics
// @Produce json
// @Param Cfgpoll-Request-ID header string false "User provided request ID to match against logs"
// @Param dataId query string true "Configuration data ID"
// @Param group query string false "Configuration group (DEFAULT: DEFAULT_GROUP)"
// @Param tenant query string false "Configuration tenant"
// @Success 200 {object} APIRestRespSample "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/listener [get]
func (h APIRestConfigServiceHandler) ListenersByConfig(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	coord, err := h.readConfigCoordinate(r)
	if err != nil {
		msg := "Invalid configuration coordinate"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSample{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		SampleResult:        h.sampler.CollectByKey(r.Context(), coord.WatchKey()),
	}
}

// ListenersByConfigHandler Wrapper around ListenersByConfig
func (h APIRestConfigServiceHandler) ListenersByConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListenersByConfig(w, r)
	}
}

// -----------------------------------------------------------------------

// ListenersByClient godoc
// @Summary Configurations a client listens on
// @Description Sample which configurations a client is holding listeners on, and the
// fingerprints it holds. Several samples are taken a short pause apart and merged.
// @tags Diagnostics
// @Produce json
// @Param Cfgpoll-Request-ID header string false "User provided request ID to match against logs"
// @Param ip query string true "Client address"
// @Success 200 {object} APIRestRespSample "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/listener/client [get]
func (h APIRestConfigServiceHandler) ListenersByClient(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	clientAddress := readParam(r, "ip")
	if clientAddress == "" {
		msg := "No client address provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSample{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		SampleResult:        h.sampler.CollectByClient(r.Context(), clientAddress),
	}
}

// ListenersByClientHandler Wrapper around ListenersByClient
func (h APIRestConfigServiceHandler) ListenersByClientHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListenersByClient(w, r)
	}
}
