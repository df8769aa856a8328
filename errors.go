// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCorruptData marks a stored value that exists but cannot be decoded
var ErrCorruptData = errors.New("corrupt stored data")

// APIError represents an unexpected HTTP response from the portal
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
	Retryable  bool
	Err        error // Underlying error if any
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API error (%d) at %s: %s (caused by: %v)", e.StatusCode, e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("API error (%d) at %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError with automatic retryable detection
func NewAPIError(statusCode int, endpoint, message string, err error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Message:    message,
		Retryable:  statusCode == 0 || isRetryableStatus(statusCode),
		Err:        err,
	}
}

// isRetryableStatus determines if an HTTP status code is retryable
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// AuthError represents a rejected login
type AuthError struct {
	Username string
	Message  string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("authentication error for %s: %s", e.Username, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// FetchError is what the coordinator sees when a poll could not produce data.
// Authentication and transport failures are both reported through it.
type FetchError struct {
	Instance string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("fetch failed for %s: %v", e.Instance, e.Err)
	}
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether the fetch failed because the portal rejected the credentials
func (e *FetchError) IsAuthFailure() bool {
	var authErr *AuthError
	return errors.As(e.Err, &authErr)
}

// PersistenceError represents a failed store operation
type PersistenceError struct {
	Key       string // e.g. StoreKeyAccumulators
	Operation string // "load", "save" or "remove"
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error for %s during %s: %v", e.Key, e.Operation, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ValidationError represents configuration or input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error for %s (value: %v): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}
