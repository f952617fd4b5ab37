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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/cfgpoll/configstore"
	"github.com/alwitt/cfgpoll/longpoll"
	"github.com/apex/log"
)

const (
	// probeFormField carries the client's watch keys and fingerprints
	probeFormField = "Listening-Configs"
	// longPollingTimeoutHeader requested hold time in milliseconds
	longPollingTimeoutHeader = "Long-Pulling-Timeout"
	// longPollingNoHangupHeader "true" asks not to be held when nothing changed
	longPollingNoHangupHeader = "Long-Pulling-Timeout-No-Hangup"
	// clientAppNameHeader optional client application name
	clientAppNameHeader = "Client-AppName"
	// routingTagHeader optional routing tag
	routingTagHeader = "Vipserver-Tag"
)

// setNoCacheHeaders mark a listener response as not cacheable
func setNoCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Cache-Control", "no-cache,no-store")
}

// writeListenerResponse write the outcome of a listener request
//
// 200 carries the encoded changed keys, one line, or nothing when no key changed.
// Any other status carries its message.
func (h APIRestConfigServiceHandler) writeListenerResponse(
	w http.ResponseWriter, r *http.Request, resp longpoll.Response,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	setNoCacheHeaders(w)
	w.Header().Set("Content-Type", "text/plain;charset=UTF-8")
	w.WriteHeader(resp.Status)
	var body string
	if resp.Status == http.StatusOK {
		if encoded := configstore.EncodeChangedKeys(resp.ChangedKeys); encoded != "" {
			body = encoded + "\n"
		}
	} else if resp.Message != "" {
		body = resp.Message + "\n"
	}
	if body == "" {
		return
	}
	if _, err := fmt.Fprint(w, body); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to write listener response")
	}
}

// writeListenerError reject a malformed listener request
func (h APIRestConfigServiceHandler) writeListenerError(
	w http.ResponseWriter, r *http.Request, status int, msg string,
) {
	h.writeListenerResponse(w, r, longpoll.Response{Status: status, Message: msg})
}

// Listen godoc
// @Summary Listen for configuration changes
// @Description Report which watched configurations differ from the fingerprints the client
// holds. With a Long-Pulling-Timeout header the request is held until a watched
// configuration changes or the timeout elapses.
// @tags Listener
// @Accept x-www-form-urlencoded
// @Produce plain
// @Param Listening-Configs formData string true "dataId^2group^2md5[^2tenant]^1 entries"
// @Param Long-Pulling-Timeout header integer false "Hold time in milliseconds, capped below the server write timeout"
// @Param Long-Pulling-Timeout-No-Hangup header boolean false "Do not hold if nothing changed"
// @Param Client-AppName header string false "Client application name"
// @Param Vipserver-Tag header string false "Routing tag"
// @Success 200 {string} string "URL encoded dataId^2group[^2tenant]^1 entries"
// @Failure 400 {string} string "error"
// @Failure 503 {string} string "over limit"
// @Router /v1/cs/configs/listener [post]
func (h APIRestConfigServiceHandler) Listen(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	if err := r.ParseForm(); err != nil {
		msg := "Unable to parse request form"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.writeListenerError(w, r, http.StatusBadRequest, msg)
		return
	}
	probe := r.Form.Get(probeFormField)
	if probe == "" {
		msg := fmt.Sprintf("No %s provided", probeFormField)
		log.WithFields(localLogTags).Error(msg)
		h.writeListenerError(w, r, http.StatusBadRequest, msg)
		return
	}
	watches, err := configstore.ParseListeningConfigs(probe)
	if err != nil {
		msg := fmt.Sprintf("Invalid %s", probeFormField)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.writeListenerError(w, r, http.StatusBadRequest, msg)
		return
	}

	// Short poll
	rawTimeout := strings.TrimSpace(r.Header.Get(longPollingTimeoutHeader))
	if rawTimeout == "" {
		h.writeListenerResponse(w, r, longpoll.Response{
			Status: http.StatusOK, ChangedKeys: h.store.ChangedKeys(watches),
		})
		return
	}

	timeoutMs, err := strconv.ParseInt(rawTimeout, 10, 64)
	if err != nil || timeoutMs < 0 {
		msg := fmt.Sprintf("Invalid %s", longPollingTimeoutHeader)
		log.WithFields(localLogTags).Errorf("%s: '%s'", msg, rawTimeout)
		h.writeListenerError(w, r, http.StatusBadRequest, msg)
		return
	}

	holdFor := time.Millisecond * time.Duration(timeoutMs)
	if h.maxHold > 0 && holdFor > h.maxHold {
		log.WithFields(localLogTags).Debugf(
			"Requested hold %s capped to %s by the write timeout", holdFor, h.maxHold,
		)
		holdFor = h.maxHold
	}

	req := longpoll.PollRequest{
		ClientAddress: readClientAddress(r),
		AppName:       r.Header.Get(clientAppNameHeader),
		Tag:           r.Header.Get(routingTagHeader),
		Watches:       watches,
		ProbeSize:     len(probe),
		Timeout:       holdFor,
		NoHangup:      strings.EqualFold(r.Header.Get(longPollingNoHangupHeader), "true"),
	}
	exchange := longpoll.NewChannelExchange()
	session := h.service.AddLongPollingClient(r.Context(), req, exchange)

	select {
	case resp := <-exchange.Done():
		h.writeListenerResponse(w, r, resp)
	case <-r.Context().Done():
		if h.service.AbandonSession(session) {
			log.WithFields(localLogTags).Debugf("Client %s left before an answer", req.ClientAddress)
		}
	}
}

// ListenHandler Wrapper around Listen
func (h APIRestConfigServiceHandler) ListenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Listen(w, r)
	}
}
