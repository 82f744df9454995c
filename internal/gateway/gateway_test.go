package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featuregrid/featuregrid/internal/models"
)

func TestResolveContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v1/context/resolve", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "10.1.2.3", req["ipAddress"])

		json.NewEncoder(w).Encode(models.ResolvedContext{
			Location:      map[string]string{"country": "US", "region": "CA"},
			UserAgentInfo: map[string]string{"browser": "chrome"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	resolved, err := c.ResolveContext(context.Background(), &models.UserContext{
		ID:        "u1",
		IPAddress: "10.1.2.3",
		UserAgent: "Mozilla/5.0",
	})
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "US", resolved.Location["country"])
	assert.Equal(t, "chrome", resolved.UserAgentInfo["browser"])
}

func TestResolveContext_NothingToResolve(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "")
	resolved, err := c.ResolveContext(context.Background(), &models.UserContext{ID: "u1"})
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestIsInList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/lists/beta-users/contains", r.URL.Path)
		inList := r.URL.Query().Get("value") == "u42"
		json.NewEncoder(w).Encode(map[string]bool{"inList": inList})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")

	ok, err := c.IsInList(context.Background(), "beta-users", "u42")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsInList(context.Background(), "beta-users", "u99")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsInList_EmptyListID(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "")
	_, err := c.IsInList(context.Background(), "", "u1")
	require.Error(t, err)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"inList": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithMaxTries(5))
	ok, err := c.IsInList(context.Background(), "vip", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such list", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithMaxTries(5))
	_, err := c.IsInList(context.Background(), "missing", "u1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryGivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithMaxTries(2))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.IsInList(ctx, "vip", "u1")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
