package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBearer(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseBearer(tc.header)
		assert.Equal(t, tc.want, got, tc.header)
		assert.Equal(t, tc.ok, ok, tc.header)
	}
}

func TestFromContext(t *testing.T) {
	provider := FromContext()

	_, err := provider(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = provider(WithToken(context.Background(), ""))
	assert.ErrorIs(t, err, ErrNoToken)

	tok, err := provider(WithToken(context.Background(), "admin-1"))
	require.NoError(t, err)
	assert.Equal(t, "admin-1", tok)
}

func TestClientCredentials(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"svc-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer ts.Close()

	provider, err := ClientCredentials(context.Background(), ts.URL, "retrainctl", "secret", []string{"jobs.read"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := provider(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "svc-token", tok)
	}
	assert.Equal(t, int32(1), calls.Load(), "token is reused until it expires")
}

func TestClientCredentials_Incomplete(t *testing.T) {
	_, err := ClientCredentials(context.Background(), "", "id", "secret", nil)
	assert.Error(t, err)
}
