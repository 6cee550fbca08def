package dispatch_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pubhub/pubhub/pkg/dispatch"
	"github.com/pubhub/pubhub/pkg/subscription"
	"github.com/stretchr/testify/require"
)

func newDeliveryCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_deliveries",
	},
		[]string{
			"result",
		},
	)
}

func newDispatcher(retryInterval time.Duration, retryCount int) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(&dispatch.Config{
		RetryInterval: retryInterval,
		RetryCount:    retryCount,
	}, newDeliveryCounter())
}

func TestSignature(t *testing.T) {
	content := []byte("<feed>v1</feed>")
	mac := hmac.New(sha1.New, []byte("verysecret"))
	mac.Write(content)
	want := "sha1=" + hex.EncodeToString(mac.Sum(nil))
	require.Equal(t, want, dispatch.Signature(content, "verysecret"))
}

func TestPublishSignsWithSecret(t *testing.T) {
	content := []byte("<feed>new entry</feed>")
	var gotSignature atomic.Value
	var gotBody atomic.Value
	var gotContentType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSignature.Store(r.Header.Get("X-Hub-Signature"))
		gotContentType.Store(r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	d := newDispatcher(time.Millisecond, 1)
	d.Publish(context.Background(), "http://feed.example/atom", []subscription.Subscriber{
		{Callback: srv.URL, Secret: "verysecret"},
	}, content, "application/atom+xml")

	require.Equal(t, content, gotBody.Load())
	require.Equal(t, dispatch.Signature(content, "verysecret"), gotSignature.Load())
	require.Equal(t, "application/atom+xml", gotContentType.Load())
}

func TestPublishOmitsSignatureWithoutSecret(t *testing.T) {
	var signature atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasSignature := r.Header["X-Hub-Signature"]
		signature.Store(hasSignature)
	}))
	defer srv.Close()

	d := newDispatcher(time.Millisecond, 1)
	d.Publish(context.Background(), "http://feed.example/atom", []subscription.Subscriber{
		{Callback: srv.URL},
	}, []byte("content"), "")

	require.Equal(t, false, signature.Load())
}

func TestPublishRetriesUntilSuccess(t *testing.T) {
	const ceiling = 5
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail exactly ceiling times, then succeed: every attempt up
		// to ceiling+1 must be observed.
		if atomic.AddInt32(&attempts, 1) <= ceiling {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := newDispatcher(time.Millisecond, ceiling)
	d.Publish(context.Background(), "http://feed.example/atom", []subscription.Subscriber{
		{Callback: srv.URL},
	}, []byte("content"), "")

	require.Equal(t, int32(ceiling+1), atomic.LoadInt32(&attempts))
}

func TestPublishRetryCeilingIsTerminal(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var healthyDeliveries int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&healthyDeliveries, 1)
	}))
	defer healthy.Close()

	// Publish must return even though one subscriber never succeeds.
	d := newDispatcher(time.Millisecond, 2)
	done := make(chan struct{})
	go func() {
		d.Publish(context.Background(), "http://feed.example/atom", []subscription.Subscriber{
			{Callback: srv.URL},
			{Callback: healthy.URL},
		}, []byte("content"), "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("publish did not complete after retry exhaustion")
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.Equal(t, int32(1), atomic.LoadInt32(&healthyDeliveries))
}

func TestPublishNon200IsFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		// 2xx but not 200: the protocol only accepts 200.
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newDispatcher(time.Millisecond, 1)
	d.Publish(context.Background(), "http://feed.example/atom", []subscription.Subscriber{
		{Callback: srv.URL},
	}, []byte("content"), "")

	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}
