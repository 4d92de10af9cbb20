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

package subscription

import "github.com/alwitt/notifyhub/common"

// DeviceID identifies a device whose events can be subscribed to
type DeviceID = int64

// SessionID identifies one client session subscribing to device events
type SessionID = string

// DeviceSubscriptions the registry of client sessions interested in device events
type DeviceSubscriptions = Registry[DeviceID, SessionID]

// GetDeviceSubscriptionRegistry define a new device subscription registry
func GetDeviceSubscriptionRegistry(
	instance string, config common.RegistryConfig,
) (DeviceSubscriptions, error) {
	return GetRegistry[DeviceID, SessionID](instance, config)
}
