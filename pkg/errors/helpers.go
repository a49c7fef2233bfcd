// Copyright 2025 Tom Barlow
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

package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Classification describes how a failure should be handled.
type Classification int

const (
	// Fatal failures must not be retried.
	Fatal Classification = iota
	// Transient failures are retryable network-style faults.
	Transient
	// Retryable failures carry explicit retry semantics from their type.
	Retryable
)

// transientMarkers are message substrings that mark an error as retryable
// even when its type carries no classification.
var transientMarkers = []string{
	"ETIMEOUT",
	"ECONNRESET",
	"ECONNREFUSED",
	"ETIMEDOUT",
	"ENOTFOUND",
	"NETWORK_ERROR",
	"RESOURCE_BUSY",
	"CONFLICT",
}

// Classify maps an error to its retry classification. Typed errors in the
// tree win; untyped errors fall through to message-substring matching, and
// finally to Fatal.
func Classify(err error) Classification {
	if err == nil {
		return Fatal
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if classifier.IsRetryable() {
			return Retryable
		}
		return Fatal
	}

	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}

	return Fatal
}

// IsRetryable reports whether a failed operation should be retried.
func IsRetryable(err error) bool {
	return Classify(err) != Fatal
}
