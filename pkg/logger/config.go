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

package logger

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/wslld/pkg/models"
)

const (
	defaultServiceName  = "wslld"
	defaultBatchTimeout = 5 * time.Second
)

// DefaultConfig is used when the config document has no logging section.
// LOG_LEVEL, DEBUG, LOG_OUTPUT and LOG_TIME_FORMAT override the built-in
// values; the OTEL_* variables follow the OpenTelemetry exporter names.
func DefaultConfig() *Config {
	return &Config{
		Level:      envString("LOG_LEVEL", "info"),
		Debug:      envBool("DEBUG"),
		Output:     envString("LOG_OUTPUT", "stdout"),
		TimeFormat: os.Getenv("LOG_TIME_FORMAT"),
		OTel:       DefaultOTelConfig(),
	}
}

// DefaultOTelConfig reads the OTLP log exporter settings from the environment.
func DefaultOTelConfig() OTelConfig {
	batchTimeout := defaultBatchTimeout

	if d, err := time.ParseDuration(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_TIMEOUT")); err == nil {
		batchTimeout = d
	}

	return OTelConfig{
		Enabled:      envBool("OTEL_LOGS_ENABLED"),
		Endpoint:     os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT"),
		Headers:      parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_HEADERS")),
		ServiceName:  envString("OTEL_SERVICE_NAME", defaultServiceName),
		BatchTimeout: models.Duration(batchTimeout),
		Insecure:     envBool("OTEL_EXPORTER_OTLP_LOGS_INSECURE"),
	}
}

// parseHeaders splits "k1=v1,k2=v2" pairs; malformed pairs are ignored.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)

	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}

		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	return headers
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

// envBool accepts strconv booleans plus yes/on.
func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "yes" || v == "on" {
		return true
	}

	b, _ := strconv.ParseBool(v)

	return b
}
