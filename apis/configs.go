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
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/cfgpoll/configstore"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ConfigCoordinate names one configuration unit
type ConfigCoordinate struct {
	DataID string `json:"dataId" validate:"required"`
	Group  string `json:"group" validate:"required"`
	Tenant string `json:"tenant,omitempty"`
}

// readConfigCoordinate read dataId / group / tenant from the request
func (h APIRestConfigServiceHandler) readConfigCoordinate(r *http.Request) (ConfigCoordinate, error) {
	coord := ConfigCoordinate{
		DataID: readParam(r, "dataId"),
		Group:  readParam(r, "group"),
		Tenant: readParam(r, "tenant"),
	}
	if coord.Group == "" {
		coord.Group = configstore.DefaultGroup
	}
	return coord, h.validate.Struct(&coord)
}

// WatchKey the watch key of the coordinate
func (c ConfigCoordinate) WatchKey() string {
	return configstore.WatchKey(c.DataID, c.Group, c.Tenant)
}

// APIRestRespConfigItem response carrying one configuration unit
type APIRestRespConfigItem struct {
	goutils.RestAPIBaseResponse
	Config configstore.ConfigItem `json:"config"`
}

// -----------------------------------------------------------------------

// PublishConfig godoc
// @Summary Publish configuration content
// @Description Create or replace the content of a configuration. Clients listening on it are
// notified when the content changes.
// @tags Config
// @Accept x-www-form-urlencoded
// @Produce json
// @Param Cfgpoll-Request-ID header string false "User provided request ID to match against logs"
// @Param dataId formData string true "Configuration data ID"
// @Param group formData string false "Configuration group (DEFAULT: DEFAULT_GROUP)"
// @Param tenant formData string false "Configuration tenant"
// @Param content formData string true "Configuration content"
// @Success 200 {object} APIRestRespConfigItem "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/configs [post]
func (h APIRestConfigServiceHandler) PublishConfig(w http.ResponseWriter, r *http.Request) {
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
	content := r.FormValue("content")
	if content == "" {
		msg := "No content provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	stored, err := h.store.Put(r.Context(), configstore.ConfigItem{
		DataID: coord.DataID, Group: coord.Group, Tenant: coord.Tenant, Content: content,
	})
	if err != nil {
		msg := fmt.Sprintf("Unable to publish %s", coord.WatchKey())
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConfigItem{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Config: stored,
	}
}

// PublishConfigHandler Wrapper around PublishConfig
func (h APIRestConfigServiceHandler) PublishConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishConfig(w, r)
	}
}

// -----------------------------------------------------------------------

// GetConfig godoc
// @Summary Fetch configuration content
// @Description Fetch the content and fingerprint of a configuration
// @tags Config
// @Produce json
// @Param Cfgpoll-Request-ID header string false "User provided request ID to match against logs"
// @Param dataId query string true "Configuration data ID"
// @Param group query string false "Configuration group (DEFAULT: DEFAULT_GROUP)"
// @Param tenant query string false "Configuration tenant"
// @Success 200 {object} APIRestRespConfigItem "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/configs [get]
func (h APIRestConfigServiceHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
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

	item, err := h.store.Get(r.Context(), coord.WatchKey())
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch %s", coord.WatchKey())
		respCode = http.StatusInternalServerError
		if errors.Is(err, configstore.ErrNotFound) {
			respCode = http.StatusNotFound
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConfigItem{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Config: item,
	}
}

// GetConfigHandler Wrapper around GetConfig
func (h APIRestConfigServiceHandler) GetConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConfig(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteConfig godoc
// @Summary Delete configuration content
// @Description Remove a configuration. Clients listening on it are notified.
// @tags Config
// @Produce json
// @Param Cfgpoll-Request-ID header string false "User provided request ID to match against logs"
// @Param dataId query string true "Configuration data ID"
// @Param group query string false "Configuration group (DEFAULT: DEFAULT_GROUP)"
// @Param tenant query string false "Configuration tenant"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/cs/configs [delete]
func (h APIRestConfigServiceHandler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
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

	if err := h.store.Delete(r.Context(), coord.WatchKey()); err != nil {
		msg := fmt.Sprintf("Unable to delete %s", coord.WatchKey())
		respCode = http.StatusInternalServerError
		if errors.Is(err, configstore.ErrNotFound) {
			respCode = http.StatusNotFound
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteConfigHandler Wrapper around DeleteConfig
func (h APIRestConfigServiceHandler) DeleteConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteConfig(w, r)
	}
}
