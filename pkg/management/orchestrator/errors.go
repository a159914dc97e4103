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

package orchestrator

import (
	"fmt"
	"net/http"
)

// ErrorKind is the public classification of a failed operation
type ErrorKind string

// The error kinds surfaced through the HTTP API
const (
	KindInvalidTarget ErrorKind = "INVALID_TARGET"
	KindUnreachable   ErrorKind = "UNREACHABLE"
	KindLagTooHigh    ErrorKind = "LAG_TOO_HIGH"
	KindBusy          ErrorKind = "BUSY"
	KindPromoteFailed ErrorKind = "PROMOTE_FAILED"
	KindDeadline      ErrorKind = "DEADLINE"
	KindDuplicate     ErrorKind = "DUPLICATE"
	KindNotFound      ErrorKind = "NOT_FOUND"
	KindInternal      ErrorKind = "INTERNAL"
)

// OperationError is a failed operation, carrying everything the API
// needs to render the error body
type OperationError struct {
	Kind    ErrorKind              `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	status int
}

// Error implements the error interface
func (e *OperationError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Message)
}

// HTTPStatus is the status code the API answers with. An error built
// without an explicit status is mapped from its kind.
func (e *OperationError) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	switch e.Kind {
	case KindInvalidTarget:
		return http.StatusBadRequest
	case KindUnreachable:
		return http.StatusBadGateway
	case KindLagTooHigh, KindBusy, KindDuplicate:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func newInvalidTargetError(format string, args ...interface{}) *OperationError {
	return &OperationError{
		Kind:    KindInvalidTarget,
		Message: fmt.Sprintf(format, args...),
		status:  http.StatusBadRequest,
	}
}

func newUnreachableError(node string, cause error) *OperationError {
	return &OperationError{
		Kind:    KindUnreachable,
		Message: fmt.Sprintf("node %v is not reachable", node),
		Details: map[string]interface{}{"node": node, "cause": cause.Error()},
		status:  http.StatusBadGateway,
	}
}

func newLagTooHighError(primary string, gapBytes int64, primaryLsn, receiveLsn string) *OperationError {
	return &OperationError{
		Kind:    KindLagTooHigh,
		Message: fmt.Sprintf("target is %v bytes behind primary %v", gapBytes, primary),
		Details: map[string]interface{}{
			"gap_bytes":   gapBytes,
			"primary_lsn": primaryLsn,
			"receive_lsn": receiveLsn,
		},
		status: http.StatusConflict,
	}
}

func newBusyError(holder *Holder) *OperationError {
	return &OperationError{
		Kind:    KindBusy,
		Message: fmt.Sprintf("operation %v is in progress", holder.Operation),
		Details: map[string]interface{}{
			"operation":    holder.Operation,
			"operation_id": holder.ID,
			"started_at":   holder.StartedAt,
		},
		status: http.StatusConflict,
	}
}

func newPromoteFailedError(format string, args ...interface{}) *OperationError {
	return &OperationError{
		Kind:    KindPromoteFailed,
		Message: fmt.Sprintf(format, args...),
		status:  http.StatusInternalServerError,
	}
}

func newDeadlineError(operation string) *OperationError {
	return &OperationError{
		Kind:    KindDeadline,
		Message: fmt.Sprintf("operation %v exceeded its global deadline", operation),
		status:  http.StatusInternalServerError,
	}
}

func newDuplicateError(format string, args ...interface{}) *OperationError {
	return &OperationError{
		Kind:    KindDuplicate,
		Message: fmt.Sprintf(format, args...),
		status:  http.StatusConflict,
	}
}

func newNotFoundError(identifier string) *OperationError {
	return &OperationError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("node %v is not registered", identifier),
		status:  http.StatusNotFound,
	}
}

func newInternalError(message string, details map[string]interface{}) *OperationError {
	return &OperationError{
		Kind:    KindInternal,
		Message: message,
		Details: details,
		status:  http.StatusInternalServerError,
	}
}
