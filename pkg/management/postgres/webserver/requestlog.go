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

package webserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Revenberg/postgresql/pkg/management/log"
)

// The literal replacing every sensitive value in the audit records
const redactedValue = "<redacted>"

// bodyLogLimit caps the amount of body bytes kept for the audit records
const bodyLogLimit = 4096

// The headers whose value never reaches the audit log
var sensitiveHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization", "Set-Cookie"}

// The body fields whose value never reaches the audit log
var sensitiveFields = []string{"password", "secret", "token"}

// responseRecorder captures the status and a bounded prefix of the body
// written by the inner handler
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(content []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if room := bodyLogLimit - r.body.Len(); room > 0 {
		if len(content) > room {
			r.body.Write(content[:room])
		} else {
			r.body.Write(content)
		}
	}
	return r.ResponseWriter.Write(content)
}

// requestLogger emits one audit record when a request arrives and one
// when it completes, both tagged with the same request id. It never
// mutates the outcome of the wrapped handler.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		logger := log.WithName("requestlog").WithValues("requestId", requestID)

		arrival := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"clientIp", r.RemoteAddr,
			"userAgent", r.UserAgent(),
			"headers", redactHeaders(r.Header),
		}
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			body := readBody(r)
			arrival = append(arrival, "body", redactBody(body))
		}
		logger.Info("Request received", arrival...)

		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(log.IntoContext(r.Context(), logger)))

		completion := []interface{}{
			"status", recorder.status,
			"elapsedMs", time.Since(start).Milliseconds(),
		}
		if recorder.status < 300 {
			completion = append(completion, "body", redactBody(recorder.body.Bytes()))
		}
		logger.Info("Request completed", completion...)
	})
}

// readBody drains the request body and puts it back for the handler
func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	content, err := io.ReadAll(io.LimitReader(r.Body, bodyLogLimit))
	if err != nil {
		return nil
	}
	rest, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(content), bytes.NewReader(rest)))
	return content
}

// redactHeaders renders the request headers, hiding the sensitive ones
func redactHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitiveHeader(name) {
			result[name] = redactedValue
			continue
		}
		result[name] = strings.Join(values, ", ")
	}
	return result
}

func isSensitiveHeader(name string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(name, sensitive) {
			return true
		}
	}
	return false
}

// redactBody renders a JSON body with every credential-bearing field
// hidden. Non-JSON content is logged as-is, bounded by the body limit.
func redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}

	redactFields(decoded)
	var redacted bytes.Buffer
	encoder := json.NewEncoder(&redacted)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(decoded); err != nil {
		return string(body)
	}
	return strings.TrimSuffix(redacted.String(), "\n")
}

func redactFields(object map[string]interface{}) {
	for key, value := range object {
		if isSensitiveField(key) {
			object[key] = redactedValue
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			redactFields(nested)
		}
	}
}

func isSensitiveField(name string) bool {
	lowered := strings.ToLower(name)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(lowered, sensitive) {
			return true
		}
	}
	return false
}
