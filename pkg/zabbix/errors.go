/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package zabbix

import (
	"errors"
	"fmt"
)

var (
	errUnexpectedStatusCode = errors.New("unexpected status code")
	errAuthFailed           = errors.New("authentication failed")
	errHostNotFound         = errors.New("host not found")
	errEndpointRequired     = errors.New("zabbix api_endpoint is required when zabbix is enabled")
	errCredentialsRequired  = errors.New("zabbix api_token or username and password are required")
	errURLAttributeRequired = errors.New("zabbix url_attribute is required")
	errHostRequired         = errors.New("zabbix host is required")
	errEmptyResult          = errors.New("empty result")
)

// APIError is a JSON-RPC error object returned by the Zabbix API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zabbix api error %d: %s %s", e.Code, e.Message, e.Data)
}
