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

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/rs/zerolog"
)

var (
	// ErrDstMustBeNonNilPointer indicates that the destination must be a non-nil pointer.
	ErrDstMustBeNonNilPointer = errors.New("dst must be a non-nil pointer")
	// ErrDstMustBePointerToStruct indicates that the destination must be a pointer to a struct.
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")
)

// EnvConfigLoader loads configuration from environment variables.
// Variable names are built from json tags joined with underscores, so
// WSLLD_UPSTREAM_URL maps to the "url" key of the "upstream" section.
// <prefix>CONFIG_JSON, when set, carries the whole document instead.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvConfigLoader creates a new environment variable config loader.
func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{
		logger: log,
		prefix: prefix,
	}
}

// Load implements ConfigLoader.
func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if doc := os.Getenv(e.prefix + "CONFIG_JSON"); doc != "" {
		if err := json.Unmarshal([]byte(doc), dst); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
		}

		e.debug().Msg("Loaded configuration from CONFIG_JSON")

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	if v.Elem().Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	n, err := e.loadStruct(v.Elem(), e.prefix)
	if err != nil {
		return err
	}

	e.debug().Int("variables", n).Msg("Loaded configuration from environment variables")

	return nil
}

// loadStruct fills v and reports how many variables were applied.
func (e *EnvConfigLoader) loadStruct(v reflect.Value, prefix string) (int, error) {
	t := v.Type()
	applied := 0

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)

		if !field.CanSet() {
			continue
		}

		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}

		envName := prefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))

		n, err := e.loadField(field, envName)
		if err != nil {
			return applied, err
		}

		applied += n
	}

	return applied, nil
}

func (e *EnvConfigLoader) loadField(field reflect.Value, envName string) (int, error) {
	switch {
	case field.Kind() == reflect.Struct:
		return e.loadStruct(field, envName+"_")
	case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
		// allocate only when something inside is set so nil keeps its
		// "use defaults" meaning
		elem := reflect.New(field.Type().Elem())
		if !field.IsNil() {
			elem.Elem().Set(field.Elem())
		}

		n, err := e.loadStruct(elem.Elem(), envName+"_")
		if err != nil || n == 0 {
			return n, err
		}

		field.Set(elem)

		return n, nil
	}

	raw, ok := os.LookupEnv(envName)
	if !ok || raw == "" {
		return 0, nil
	}

	if err := setValue(field, raw); err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", envName, err)
	}

	e.debug().Str("env", envName).Msg("Applied environment variable")

	return 1, nil
}

var durationTypes = map[reflect.Type]bool{
	reflect.TypeOf(time.Duration(0)):   true,
	reflect.TypeOf(models.Duration(0)): true,
}

func setValue(field reflect.Value, raw string) error {
	if durationTypes[field.Type()] {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		field.SetInt(int64(d))

		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return json.Unmarshal([]byte(raw), field.Addr().Interface())
		}

		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))

		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p).Convert(field.Type().Elem()))
			}
		}

		field.Set(out)
	default:
		// maps and anything else take JSON
		return json.Unmarshal([]byte(raw), field.Addr().Interface())
	}

	return nil
}

// debug returns nil without a logger; zerolog events are nil-safe.
func (e *EnvConfigLoader) debug() *zerolog.Event {
	if e.logger == nil {
		return nil
	}

	return e.logger.Debug()
}
