package httpretry

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFastRetryClient(maxRetries int) *RetryClient {
	rc := NewRetryClient(&http.Client{}, maxRetries)
	rc.baseDelay = time.Millisecond
	return rc
}

func TestDoRetriesTransientStatuses(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := newFastRetryClient(3).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryPermanentStatuses(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.WriteHeader(status)
		}))

		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := newFastRetryClient(3).Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		srv.Close()

		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, 1, calls, "status %d must not be retried", status)
	}
}

func TestDoReturnsFinalRetryableResponse(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := newFastRetryClient(2).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestDoResetsRequestBodyBetweenAttempts(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if len(bodies) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	payload := []byte(`{"isRead":true}`)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL, bytes.NewReader(payload))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := newFastRetryClient(3).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, bodies, 2)
	assert.Equal(t, string(payload), bodies[0])
	assert.Equal(t, string(payload), bodies[1], "retried request must carry the full body")
}

func TestDelayLadder(t *testing.T) {
	rc := NewRetryClient(nil, 3)
	assert.Equal(t, 2*time.Second, rc.delayFor(1))
	assert.Equal(t, 4*time.Second, rc.delayFor(2))
	assert.Equal(t, 8*time.Second, rc.delayFor(3))
}
