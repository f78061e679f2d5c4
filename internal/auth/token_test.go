// SPDX-License-Identifier: MIT

package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/tasks", nil)
	assert.Empty(t, ExtractToken(r))

	r.Header.Set("Authorization", "Bearer secret-123")
	assert.Equal(t, "secret-123", ExtractToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, ExtractToken(r))
}

func TestAuthorizeToken(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
		want     bool
	}{
		{"match", "tok", "tok", true},
		{"mismatch", "wrong", "tok", false},
		{"empty got", "", "tok", false},
		{"empty expected", "tok", "", false},
		{"both empty", "", "", false},
		{"whitespace expected", "tok", "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AuthorizeToken(tt.got, tt.expected))
		})
	}
}

func TestAuthorizeRequest(t *testing.T) {
	r := httptest.NewRequest("DELETE", "/api/v1/artifacts/abc", nil)
	r.Header.Set("Authorization", "Bearer tok")
	assert.True(t, AuthorizeRequest(r, "tok"))
	assert.False(t, AuthorizeRequest(r, "other"))
	assert.False(t, AuthorizeRequest(nil, "tok"))
}
