// Copyright 2024 The Haywire Authors. All Rights Reserved.
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

// Package testutils holds the verification helpers shared by the
// package tests. Discovery output is built from nested maps and
// slices of value types, so deep equality is the comparison the
// tests reach for most.
package testutils

import (
	"reflect"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
)

// VerifyDeepEqual fails the test unless seen deep-equals expected.
// valueName labels the failure so table-driven callers stay readable.
func VerifyDeepEqual(t *testing.T, valueName string, expected interface{}, seen interface{}) bool {
	t.Helper()
	if reflect.DeepEqual(expected, seen) {
		return true
	}
	t.Errorf("%s: expected %+v, got %+v", valueName, expected, seen)
	return false
}

// VerifyNoError fails the test if err is non-nil.
func VerifyNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}

// VerifyError fails the test unless err aggregates exactly
// expectedCount errors (a multierror when the count is above zero,
// nil when it is zero) and its message contains every substring.
func VerifyError(t *testing.T, err error, expectedCount int, expectedSubstrings []string) bool {
	t.Helper()
	switch {
	case expectedCount == 0:
		return VerifyNoError(t, err)
	case err == nil:
		t.Errorf("expected %d errors, got nil", expectedCount)
		return false
	}
	merr, ok := err.(*multierror.Error)
	if !ok {
		t.Errorf("expected a multierror with %d errors, got %#v", expectedCount, err)
		return false
	}
	if got := len(merr.Errors); got != expectedCount {
		t.Errorf("expected %d errors, got %d: %v", expectedCount, got, merr)
		return false
	}
	ok = true
	for _, substring := range expectedSubstrings {
		if !strings.Contains(err.Error(), substring) {
			t.Errorf("error %v does not mention %q", err, substring)
			ok = false
		}
	}
	return ok
}
