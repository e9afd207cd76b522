package gmp

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAccountIDs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "KeysAndLists",
			body: `{"accountId":123456,"other":[{"accountNumber":"789012"},"55"]}`,
			want: []string{"123456", "789012"},
		},
		{
			name: "TrimmedStrings",
			body: `{"account_id":" 1234567 ","list":["  7654321"]}`,
			want: []string{"1234567", "7654321"},
		},
		{
			name: "IgnoresFloatsAndShortIDs",
			body: `{"accountId":1234567.5,"account":"12345","accountNumber":true}`,
			want: []string{},
		},
		{
			name: "OnlyListStringsWithoutKey",
			body: `{"meter":"9999999","ids":["8888888"]}`,
			want: []string{"8888888"},
		},
		{
			name: "Deduplicated",
			body: `[{"accountId":"1234567"},{"accountNumber":1234567}]`,
			want: []string{"1234567"},
		},
		{
			name: "DepthLimit",
			body: `{"a":{"b":{"c":{"d":{"e":{"f":{"accountId":"1111111","g":{"accountId":"2222222"}}}}}}}}`,
			want: []string{"1111111"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractAccountIDs(mustParse(t, tt.body)))
		})
	}
}

func testJWT(payload string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." +
		enc.EncodeToString([]byte(payload)) + "." +
		enc.EncodeToString([]byte("sig"))
}

func TestDiscoverAccountIDs(t *testing.T) {
	ts := tokenServer{accessToken: testJWT(`{"sub":"user","account_id":2222222}`)}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ts.handle(t, w, r) {
			return
		}
		switch r.URL.Path {
		case apiPrefix + "/users/current":
			http.Error(w, "down", http.StatusInternalServerError)
		case apiPrefix + "/accounts":
			if r.URL.Query().Get("active") == "true" {
				writeJSON(w, []any{"3333333", "12"})
				return
			}
			writeJSON(w, []any{map[string]any{"accountNumber": 1111111, "nickname": "home"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ids, err := c.DiscoverAccountIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1111111", "2222222", "3333333"}, ids)
}

func TestDiscoverAccountIDsNone(t *testing.T) {
	var ts tokenServer
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ts.handle(t, w, r) {
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	ids, err := c.DiscoverAccountIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDiscoverAccountIDsLoginFails(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.DiscoverAccountIDs(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestTokenClaims(t *testing.T) {
	c := New(http.DefaultClient, DefaultBaseURL, "u", "p", "cid")

	_, ok := c.tokenClaims()
	assert.False(t, ok)

	c.tokens = &Tokens{AccessToken: "opaque"}
	_, ok = c.tokenClaims()
	assert.False(t, ok)

	c.tokens = &Tokens{AccessToken: testJWT(`{"accounts":[{"accountId":"4444444"}]}`)}
	claims, ok := c.tokenClaims()
	require.True(t, ok)
	assert.Equal(t, []string{"4444444"}, ExtractAccountIDs(claims))

	enc := base64.RawURLEncoding
	c.tokens = &Tokens{AccessToken: "opaque-header." + enc.EncodeToString([]byte(`{"account_id":"5555555"}`)) + ".sig"}
	claims, ok = c.tokenClaims()
	require.True(t, ok, "only the payload segment is decoded")
	assert.Equal(t, []string{"5555555"}, ExtractAccountIDs(claims))

	c.tokens = &Tokens{AccessToken: "h." + base64.URLEncoding.EncodeToString([]byte(`{"account_id":"66666666"}`)) + ".s"}
	claims, ok = c.tokenClaims()
	require.True(t, ok, "padded payloads are accepted")
	assert.Equal(t, []string{"66666666"}, ExtractAccountIDs(claims))

	c.tokens = &Tokens{AccessToken: "h." + enc.EncodeToString([]byte(`["7777777"]`)) + ".s"}
	_, ok = c.tokenClaims()
	assert.False(t, ok, "payload must be an object")

	c.tokens = &Tokens{AccessToken: "h." + enc.EncodeToString([]byte(`{"account_id":"7777777"}`))}
	_, ok = c.tokenClaims()
	assert.False(t, ok, "two segments are not a token")
}
