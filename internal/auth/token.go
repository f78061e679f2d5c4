// SPDX-License-Identifier: MIT

// Package auth validates the bearer token protecting mutating endpoints.
// Public reads are unauthenticated.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken retrieves the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	if a := r.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
		return strings.TrimSpace(a[7:])
	}
	return ""
}

// AuthorizeToken reports whether got matches expected using a
// constant-time comparison. Empty tokens never authorize: a daemon
// started without AUTH_BEARER_TOKEN rejects every mutation.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AuthorizeRequest extracts the request token and validates it.
func AuthorizeRequest(r *http.Request, expected string) bool {
	if r == nil {
		return false
	}
	return AuthorizeToken(ExtractToken(r), expected)
}
