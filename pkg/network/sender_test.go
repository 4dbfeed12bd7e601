package network_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackkit/mixpanel/pkg/network"
)

func fastSender(opts ...network.SenderOption) *network.Sender {
	base := []network.SenderOption{
		network.WithBackoff(network.FixedBackoff{Interval: time.Millisecond}),
	}
	return network.NewSender(append(base, opts...)...)
}

func TestSendRequest_Success(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		require.NoError(t, r.ParseForm())
		gotBody = r.PostForm.Get("data")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := fastSender()
	err := sender.SendRequest(context.Background(), network.Request{
		Token:               "T1",
		Endpoint:            "/track/",
		Data:                []map[string]any{{"event": "signup"}},
		ServerURL:           server.URL,
		UseIPForGeolocation: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "/track/", gotPath)
	assert.Equal(t, "ip=1", gotQuery)
	assert.JSONEq(t, `[{"event":"signup"}]`, gotBody)
}

func TestSendRequest_PermanentFailureNoRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sender := fastSender()
	err := sender.SendRequest(context.Background(), network.Request{
		Token: "T1", Endpoint: "/track/", Data: []map[string]any{{}}, ServerURL: server.URL,
	})

	assert.ErrorIs(t, err, network.ErrPermanentFailure)
	assert.True(t, network.IsPermanent(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestSendRequest_TransientRetryThenSuccess(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := fastSender()
	err := sender.SendRequest(context.Background(), network.Request{
		Token: "T1", Endpoint: "/track/", Data: []map[string]any{{}}, ServerURL: server.URL,
	})

	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestSendRequest_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sender := fastSender(network.WithMaxRetries(2))
	err := sender.SendRequest(context.Background(), network.Request{
		Token: "T1", Endpoint: "/track/", Data: []map[string]any{{}}, ServerURL: server.URL,
	})

	assert.ErrorIs(t, err, network.ErrDeliveryFailed)
	assert.False(t, network.IsPermanent(err))
	assert.Equal(t, int32(3), attempts.Load()) // initial attempt + 2 retries
}

func TestSendRequest_ContextCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := network.NewSender(network.WithBackoff(network.FixedBackoff{Interval: time.Minute}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sender.SendRequest(ctx, network.Request{
		Token: "T1", Endpoint: "/track/", Data: []map[string]any{{}}, ServerURL: server.URL,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRequest_InvalidServerURL(t *testing.T) {
	t.Parallel()

	sender := fastSender()
	err := sender.SendRequest(context.Background(), network.Request{
		Token: "T1", Endpoint: "/track/", Data: []map[string]any{{}}, ServerURL: "ftp://nope",
	})
	assert.ErrorIs(t, err, network.ErrInvalidRequest)
}

func TestFetchFlags(t *testing.T) {
	t.Parallel()

	t.Run("parses assignments and sends context", func(t *testing.T) {
		t.Parallel()

		var gotQuery url.Values
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/flags", r.URL.Path)
			gotQuery = r.URL.Query()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"flags":{"new-checkout":{"variant_key":"treatment","variant_value":"v2","experiment_id":"exp-9","is_experiment_active":true}}}`))
		}))
		defer server.Close()

		sender := fastSender()
		flags, err := sender.FetchFlags(context.Background(), network.FlagsRequest{
			Token:      "T1",
			ServerURL:  server.URL,
			DistinctID: "user-7",
			DeviceID:   "dev-1",
			Context:    map[string]any{"plan": "pro"},
		})
		require.NoError(t, err)

		require.Contains(t, flags, "new-checkout")
		assert.Equal(t, "treatment", flags["new-checkout"].VariantKey)
		assert.Equal(t, "v2", flags["new-checkout"].VariantValue)
		assert.Equal(t, "exp-9", flags["new-checkout"].ExperimentID)
		require.NotNil(t, flags["new-checkout"].IsExperimentActive)
		assert.True(t, *flags["new-checkout"].IsExperimentActive)

		assert.Equal(t, "user-7", gotQuery.Get("distinct_id"))
		assert.Equal(t, "dev-1", gotQuery.Get("device_id"))
		assert.JSONEq(t, `{"plan":"pro"}`, gotQuery.Get("context"))
		// The fetch identifies the caller by distinct/device id only.
		assert.Len(t, gotQuery, 3)
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		t.Parallel()

		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		sender := fastSender()
		_, err := sender.FetchFlags(context.Background(), network.FlagsRequest{
			Token: "T1", ServerURL: server.URL,
		})
		assert.ErrorIs(t, err, network.ErrPermanentFailure)
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("missing flags field is a soft failure", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"unexpected":true}`))
		}))
		defer server.Close()

		sender := fastSender()
		_, err := sender.FetchFlags(context.Background(), network.FlagsRequest{
			Token: "T1", ServerURL: server.URL,
		})
		assert.ErrorIs(t, err, network.ErrMalformedResponse)
	})

	t.Run("5xx then success is retried", func(t *testing.T) {
		t.Parallel()

		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`{"flags":{}}`))
		}))
		defer server.Close()

		sender := fastSender()
		flags, err := sender.FetchFlags(context.Background(), network.FlagsRequest{
			Token: "T1", ServerURL: server.URL,
		})
		require.NoError(t, err)
		assert.Empty(t, flags)
		assert.Equal(t, int32(2), attempts.Load())
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := network.DefaultBackoffStrategy()
	assert.Equal(t, 2*time.Second, b.NextInterval(1))
	assert.Equal(t, 4*time.Second, b.NextInterval(2))
	assert.Equal(t, 8*time.Second, b.NextInterval(3))
	assert.Equal(t, 16*time.Second, b.NextInterval(4))
	assert.Equal(t, 32*time.Second, b.NextInterval(5))
	assert.Equal(t, 60*time.Second, b.NextInterval(6)) // capped
	assert.Equal(t, time.Duration(0), b.NextInterval(0))
}
