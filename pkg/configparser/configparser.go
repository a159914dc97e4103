/*
Copyright The PostgreSQL Operation Manager Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package configparser contains the code required to fill a Go structure
// representing the configuration information, reading the environment
// variables and a string map
package configparser

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/Revenberg/postgresql/pkg/management/log"
)

var configparserLog = log.WithName("configparser")

// EnvironmentSource is an object capable of reading environment variables
type EnvironmentSource interface {
	Getenv(key string) string
}

// OsEnvironment is an EnvironmentSource reading the real process environment
type OsEnvironment struct{}

// Getenv retrieves the value of the environment variable named by the key
func (OsEnvironment) Getenv(key string) string {
	return os.Getenv(key)
}

// ReadConfigMap reads the configuration from the environment and the given
// string map, and applies it to the target structure. Each field tagged with
// `env:"NAME"` is filled from the map first and from the environment as a
// fallback; unset or unparsable values are taken from the defaults structure.
func ReadConfigMap(target, defaults interface{}, data map[string]string, env ...EnvironmentSource) {
	var source EnvironmentSource = OsEnvironment{}
	if len(env) > 0 {
		source = env[0]
	}

	ensurePointerToStruct(target)
	ensurePointerToStruct(defaults)

	count := reflect.TypeOf(target).Elem().NumField()
	for index := 0; index < count; index++ {
		field := reflect.TypeOf(target).Elem().Field(index)
		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := data[envName]
		if value == "" {
			value = source.Getenv(envName)
		}

		targetField := reflect.ValueOf(target).Elem().Field(index)
		defaultField := reflect.ValueOf(defaults).Elem().Field(index)
		if value == "" {
			targetField.Set(defaultField)
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			targetField.SetString(value)

		case reflect.Slice:
			targetField.Set(reflect.ValueOf(splitAndTrim(value)))

		case reflect.Int, reflect.Int64:
			intValue, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				configparserLog.Info(
					"Skipping invalid integer value, using default",
					"field", field.Name, "variable", envName, "value", value)
				targetField.Set(defaultField)
				continue
			}
			targetField.SetInt(intValue)

		case reflect.Bool:
			boolValue, err := strconv.ParseBool(value)
			if err != nil {
				configparserLog.Info(
					"Skipping invalid boolean value, using default",
					"field", field.Name, "variable", envName, "value", value)
				targetField.Set(defaultField)
				continue
			}
			targetField.SetBool(boolValue)

		default:
			configparserLog.Info(
				"Skipping invalid field type",
				"field", field.Name, "kind", field.Type.Kind())
		}
	}
}

func ensurePointerToStruct(value interface{}) {
	typ := reflect.TypeOf(value)
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		panic("expecting a pointer to a struct")
	}
}

// splitAndTrim slices a comma-separated string into the list of its
// trimmed items
func splitAndTrim(commaSeparatedList string) []string {
	list := strings.Split(commaSeparatedList, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return list
}
