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
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
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

// sessionIDWrapper for validating a session ID
type sessionIDWrapper struct {
	SessionID string `validate:"required,max=128,uuid|alphanum"`
}

// readSessionID read and validate the session ID path parameter
func readSessionID(r *http.Request, validate *validator.Validate) (string, error) {
	vars := mux.Vars(r)
	sessionID, ok := vars["sessionID"]
	if !ok {
		return "", fmt.Errorf("no session ID provided")
	}
	t := sessionIDWrapper{SessionID: sessionID}
	if err := validate.Struct(&t); err != nil {
		return "", err
	}
	return sessionID, nil
}

// readDeviceID read and parse the device ID path parameter
func readDeviceID(r *http.Request) (int64, error) {
	vars := mux.Vars(r)
	deviceIDStr, ok := vars["deviceID"]
	if !ok {
		return 0, fmt.Errorf("no device ID provided")
	}
	deviceID, err := strconv.ParseInt(deviceIDStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse device ID '%s': %w", deviceIDStr, err)
	}
	return deviceID, nil
}
