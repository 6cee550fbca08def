package poll_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pubhub/pubhub/pkg/poll"
	"github.com/pubhub/pubhub/pkg/pubsub"
	"github.com/stretchr/testify/require"
)

func newFetchCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_poll_fetches",
	},
		[]string{
			"result",
		},
	)
}

func newPoller(feed string) *poll.Poller {
	return poll.NewPoller(&poll.Config{
		Feed:            feed,
		RefreshInterval: time.Hour,
	}, newFetchCounter(), "", time.Time{}, "")
}

func TestFetchDetectsChange(t *testing.T) {
	ctx := context.Background()
	mu := sync.Mutex{}
	content := "<feed>v1</feed>"
	var lastReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lastReq = r.Clone(context.Background())
		body := content
		mu.Unlock()
		w.Header().Set("Etag", "etag-1")
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	p := newPoller(srv.URL)
	ev, err := p.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, []byte("<feed>v1</feed>"), ev.Content)
	sum := md5.Sum([]byte("<feed>v1</feed>"))
	require.Equal(t, hex.EncodeToString(sum[:]), ev.Digest)
	require.Equal(t, "application/atom+xml", ev.ContentType)

	mu.Lock()
	require.Equal(t, pubsub.UserAgent, lastReq.Header.Get("User-Agent"))
	// First fetch carries no conditional headers.
	require.Empty(t, lastReq.Header.Get("If-Modified-Since"))
	mu.Unlock()

	p.Commit(ev)

	// Same content: no event, conditional headers present.
	ev, err = p.Fetch(ctx)
	require.NoError(t, err)
	require.Nil(t, ev)
	mu.Lock()
	require.NotEmpty(t, lastReq.Header.Get("If-Modified-Since"))
	require.Equal(t, "etag-1", lastReq.Header.Get("If-None-Match"))
	mu.Unlock()

	// Changed content: exactly one new event.
	mu.Lock()
	content = "<feed>v2</feed>"
	mu.Unlock()
	ev, err = p.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, []byte("<feed>v2</feed>"), ev.Content)
}

func TestFetchNotModified(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == "etag-1" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", "etag-1")
		_, _ = w.Write([]byte("<feed>v1</feed>"))
	}))
	defer srv.Close()

	p := newPoller(srv.URL)
	ev, err := p.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	p.Commit(ev)

	ev, err = p.Fetch(ctx)
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestFetchUncommittedDigestFiresAgain(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<feed>v1</feed>"))
	}))
	defer srv.Close()

	p := newPoller(srv.URL)
	ev, err := p.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)

	// Digest not committed, the change is still pending.
	ev, err = p.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
}

func TestFetchFollowsRedirect(t *testing.T) {
	ctx := context.Background()
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pubsub.UserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("<feed>moved</feed>"))
	}))
	defer target.Close()
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer src.Close()

	p := newPoller(src.URL)
	ev, err := p.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, []byte("<feed>moved</feed>"), ev.Content)
}

func TestFetchBoundsRedirectChain(t *testing.T) {
	ctx := context.Background()
	var srv *httptest.Server
	hops := 0
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", srv.URL, hops), http.StatusMovedPermanently)
	}))
	defer srv.Close()

	p := poll.NewPoller(&poll.Config{
		Feed:            srv.URL,
		RefreshInterval: time.Hour,
		MaxRedirects:    5,
	}, newFetchCounter(), "", time.Time{}, "")
	ev, err := p.Fetch(ctx)
	require.Error(t, err)
	require.Nil(t, ev)
	require.Contains(t, err.Error(), "redirect chain")
}

func TestFetchRedirectWithoutLocation(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	p := newPoller(srv.URL)
	ev, err := p.Fetch(ctx)
	require.Error(t, err)
	require.Nil(t, ev)
}

func TestListenEmitsChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<feed>v1</feed>"))
	}))
	defer srv.Close()

	p := poll.NewPoller(&poll.Config{
		Feed:            srv.URL,
		RefreshInterval: time.Millisecond * 20,
	}, newFetchCounter(), "", time.Time{}, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Listen(ctx)
	require.True(t, p.Listening())

	// Second call is a no-op, the at-most-one-timer invariant.
	p.Listen(ctx)
	require.True(t, p.Listening())

	select {
	case ev := <-p.C:
		require.Equal(t, []byte("<feed>v1</feed>"), ev.Content)
	case <-time.After(time.Second * 2):
		t.Fatal("timed out waiting for change event")
	}

	p.Stop()
	require.False(t, p.Listening())
	// Stop is idempotent.
	p.Stop()
	require.False(t, p.Listening())
}
