/*
Copyright 2026.

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

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError represents a standardized error response.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// RespondBadRequestWithDetails sends a 400 for malformed JSON or parameters.
func RespondBadRequestWithDetails(c *gin.Context, message, details string) {
	c.JSON(http.StatusBadRequest, APIError{
		Error:   message,
		Code:    "BAD_REQUEST",
		Details: details,
	})
}

// RespondRejected sends a 422 when the audit service refused a structurally
// invalid event. The reason is in the service log, not the response.
func RespondRejected(c *gin.Context) {
	c.JSON(http.StatusUnprocessableEntity, APIError{
		Error: "audit event rejected",
		Code:  "REJECTED",
	})
}

// RespondServiceUnavailable sends a 503 when the audit service is not running.
func RespondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, APIError{
		Error: service + " is not available",
		Code:  "SERVICE_UNAVAILABLE",
	})
}

// EventAccepted is returned for every enqueued event.
type EventAccepted struct {
	EventID string `json:"eventId"`
}

func RespondAccepted(c *gin.Context, id string) {
	c.JSON(http.StatusAccepted, EventAccepted{EventID: id})
}
