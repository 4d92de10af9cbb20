// Copyright 2022 The notifyhub Authors
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
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifyhub/common"
	"github.com/alwitt/notifyhub/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestRegistryHandler REST handler for the device subscription registry
type APIRestRegistryHandler struct {
	goutils.RestAPIHandler
	registry subscription.DeviceSubscriptions
	validate *validator.Validate
}

// GetAPIRestRegistryHandler define APIRestRegistryHandler
func GetAPIRestRegistryHandler(
	registry subscription.DeviceSubscriptions, httpConfig *common.HTTPConfig,
) (APIRestRegistryHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "subscription-registry",
	}
	return APIRestRegistryHandler{
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
		registry: registry,
		validate: validator.New(),
	}, nil
}

// DefineRegistryRoutes register the registry handlers under the router
func DefineRegistryRoutes(router *mux.Router, h APIRestRegistryHandler) {
	sessionRouter := RegisterPathPrefix(
		router, "/v1/session/{sessionID}", MethodHandlers{
			"delete": h.DisconnectSessionHandler(),
		},
	)
	_ = RegisterPathPrefix(sessionRouter, "/devices", MethodHandlers{
		"get":    h.ListSessionDevicesHandler(),
		"post":   h.SubscribeDevicesHandler(),
		"delete": h.UnsubscribeDevicesHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/device/{deviceID}/sessions", MethodHandlers{
		"get": h.ListDeviceSessionsHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/stats", MethodHandlers{
		"get": h.RegistryStatsHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
}

// =======================================================================
// Session subscriptions

// SessionDevicesParam the devices a session subscribes to, or unsubscribes from
type SessionDevicesParam struct {
	// Devices is the list of device IDs
	Devices []int64 `json:"devices" validate:"required,min=1"`
}

// APIRestRespSessionDevices response listing the devices of a session
type APIRestRespSessionDevices struct {
	goutils.RestAPIBaseResponse
	// Devices is the list of device IDs the session is subscribed to
	Devices []int64 `json:"devices" validate:"required"`
}

func sortedDevices(devices []int64) []int64 {
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices
}

// readSessionDevicesParam read and validate the session devices request body
func (h APIRestRegistryHandler) readSessionDevicesParam(r *http.Request) (SessionDevicesParam, error) {
	var param SessionDevicesParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		return SessionDevicesParam{}, err
	}
	if err := h.validate.Struct(&param); err != nil {
		return SessionDevicesParam{}, err
	}
	return param, nil
}

// -----------------------------------------------------------------------

// SubscribeDevices godoc
// @Summary Subscribe a session to devices
// @Description Register a client session's interest in the events of a set of devices
// @tags Registry
// @Accept json
// @Produce json
// @Param Notifyhub-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Client session ID"
// @Param devices body SessionDevicesParam true "Devices to subscribe to"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID}/devices [post]
func (h APIRestRegistryHandler) SubscribeDevices(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	sessionID, err := readSessionID(r, h.validate)
	if err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	param, err := h.readSessionDevicesParam(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.registry.Subscribe(sessionID, param.Devices...); err != nil {
		msg := fmt.Sprintf("Failed to subscribe session %s", sessionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	log.WithFields(localLogTags).Debugf("Session %s subscribed to %v", sessionID, param.Devices)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SubscribeDevicesHandler Wrapper around SubscribeDevices
func (h APIRestRegistryHandler) SubscribeDevicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubscribeDevices(w, r)
	}
}

// -----------------------------------------------------------------------

// UnsubscribeDevices godoc
// @Summary Unsubscribe a session from devices
// @Description Remove a client session's interest in the events of a set of devices.
// Devices the session is not subscribed to are ignored.
// @tags Registry
// @Accept json
// @Produce json
// @Param Notifyhub-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Client session ID"
// @Param devices body SessionDevicesParam true "Devices to unsubscribe from"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID}/devices [delete]
func (h APIRestRegistryHandler) UnsubscribeDevices(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	sessionID, err := readSessionID(r, h.validate)
	if err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	param, err := h.readSessionDevicesParam(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.registry.Unsubscribe(sessionID, param.Devices...); err != nil {
		msg := fmt.Sprintf("Failed to unsubscribe session %s", sessionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	log.WithFields(localLogTags).Debugf("Session %s unsubscribed from %v", sessionID, param.Devices)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnsubscribeDevicesHandler Wrapper around UnsubscribeDevices
func (h APIRestRegistryHandler) UnsubscribeDevicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UnsubscribeDevices(w, r)
	}
}

// -----------------------------------------------------------------------

// DisconnectSession godoc
// @Summary Drop all subscriptions of a session
// @Description Remove a disconnected client session from every device it was subscribed to
// @tags Registry
// @Produce json
// @Param Notifyhub-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Client session ID"
// @Success 200 {object} APIRestRespSessionDevices "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID} [delete]
func (h APIRestRegistryHandler) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	sessionID, err := readSessionID(r, h.validate)
	if err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	removed, err := h.registry.UnsubscribeAll(sessionID)
	if err != nil {
		msg := fmt.Sprintf("Failed to disconnect session %s", sessionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	log.WithFields(localLogTags).Infof("Session %s disconnected from %d devices", sessionID, len(removed))
	respCode = http.StatusOK
	respBody = APIRestRespSessionDevices{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Devices:             sortedDevices(removed),
	}
}

// DisconnectSessionHandler Wrapper around DisconnectSession
func (h APIRestRegistryHandler) DisconnectSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DisconnectSession(w, r)
	}
}

// -----------------------------------------------------------------------

// ListSessionDevices godoc
// @Summary List devices of a session
// @Description List the devices a client session is subscribed to
// @tags Registry
// @Produce json
// @Param Notifyhub-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Client session ID"
// @Success 200 {object} APIRestRespSessionDevices "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID}/devices [get]
func (h APIRestRegistryHandler) ListSessionDevices(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	sessionID, err := readSessionID(r, h.validate)
	if err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessionDevices{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Devices:             sortedDevices(h.registry.SubscribedEntities(sessionID)),
	}
}

// ListSessionDevicesHandler Wrapper around ListSessionDevices
func (h APIRestRegistryHandler) ListSessionDevicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListSessionDevices(w, r)
	}
}

// =======================================================================
// Device subscribers

// APIRestRespDeviceSessions response listing the sessions subscribed to a device
type APIRestRespDeviceSessions struct {
	goutils.RestAPIBaseResponse
	// Sessions is the list of session IDs subscribed to the device
	Sessions []string `json:"sessions" validate:"required"`
}

// ListDeviceSessions godoc
// @Summary List sessions of a device
// @Description List the client sessions currently subscribed to a device
// @tags Registry
// @Produce json
// @Param Notifyhub-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceID path integer true "Device ID"
// @Success 200 {object} APIRestRespDeviceSessions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/device/{deviceID}/sessions [get]
func (h APIRestRegistryHandler) ListDeviceSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	deviceID, err := readDeviceID(r)
	if err != nil {
		msg := "Invalid device ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	sessions := h.registry.GetSubscriptions(deviceID).List()
	sort.Strings(sessions)
	respCode = http.StatusOK
	respBody = APIRestRespDeviceSessions{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Sessions:            sessions,
	}
}

// ListDeviceSessionsHandler Wrapper around ListDeviceSessions
func (h APIRestRegistryHandler) ListDeviceSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListDeviceSessions(w, r)
	}
}

// =======================================================================
// Statistics

// APIRestRespRegistryStats response with the registry statistics
type APIRestRespRegistryStats struct {
	goutils.RestAPIBaseResponse
	// Devices is the number of devices with at least one subscriber
	Devices int `json:"devices"`
	// Sessions is the number of sessions with at least one subscription
	Sessions int `json:"sessions"`
}

// RegistryStats godoc
// @Summary Registry statistics
// @Description Report the number of subscribed devices and subscribing sessions
// @tags Registry
// @Produce json
// @Success 200 {object} APIRestRespRegistryStats "success"
// @Router /v1/stats [get]
func (h APIRestRegistryHandler) RegistryStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespRegistryStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Devices:             h.registry.EntityCount(),
		Sessions:            h.registry.HandleCount(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// RegistryStatsHandler Wrapper around RegistryStats
func (h APIRestRegistryHandler) RegistryStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegistryStats(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For registry REST API liveness check
// @Description Will return success to indicate registry REST API module is live
// @tags Registry
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestRegistryHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRegistryHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For registry REST API readiness check
// @Description Will return success if registry REST API module is ready for use
// @tags Registry
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRegistryHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.registry != nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRegistryHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
