package poll

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/JulienBalestra/dry/pkg/ticknow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pubhub/pubhub/pkg/pubsub"
	"go.uber.org/zap"
)

type Config struct {
	Feed            string
	RefreshInterval time.Duration
	MaxRedirects    int
	Timeout         time.Duration
}

// Event carries the raw content of a detected feed change. The digest is
// persisted by the owner once the fan-out decision is made, then
// acknowledged back with Commit.
type Event struct {
	Feed        string
	Content     []byte
	ContentType string
	Digest      string
	ChangedAt   time.Time
}

// Poller periodically fetches one feed with conditional requests and
// reports content changes on C. At most one listen loop runs at a time.
type Poller struct {
	conf       *Config
	httpClient *http.Client
	fetches    *prometheus.CounterVec

	C chan Event

	mu          sync.Mutex
	cancel      context.CancelFunc
	etag        string
	digest      string
	lastChanged time.Time
	contentType string
}

// NewPoller seeds change-tracking state from the last persisted digest
// so a restart does not re-announce content every subscriber already saw.
func NewPoller(conf *Config, fetches *prometheus.CounterVec, digest string, lastChanged time.Time, contentType string) *Poller {
	if conf.RefreshInterval == 0 {
		conf.RefreshInterval = pubsub.DefaultRefreshInterval
	}
	if conf.MaxRedirects == 0 {
		conf.MaxRedirects = pubsub.DefaultMaxRedirects
	}
	if conf.Timeout == 0 {
		conf.Timeout = time.Second * 30
	}
	return &Poller{
		conf:    conf,
		fetches: fetches,
		httpClient: &http.Client{
			Timeout: conf.Timeout,
			// Redirects are followed manually so the conditional
			// headers survive each hop and the chain stays bounded.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		C:           make(chan Event, 1),
		digest:      digest,
		lastChanged: lastChanged,
		contentType: contentType,
	}
}

// Listen starts the poll loop. Calling it while a loop is already
// running is a no-op.
func (p *Poller) Listen(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		zap.L().Debug("poller already listening", zap.String("feed", p.conf.Feed))
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.listenLoop(ctx)
	zap.L().Info("polling feed",
		zap.String("feed", p.conf.Feed),
		zap.Duration("refreshInterval", p.conf.RefreshInterval),
	)
}

func (p *Poller) listenLoop(ctx context.Context) {
	ticker := ticknow.NewTickNowWithContext(ctx, p.conf.RefreshInterval)
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			ev, err := p.Fetch(ctx)
			if err != nil {
				// The next tick is the retry.
				zap.L().Error("failed to poll feed",
					zap.String("feed", p.conf.Feed),
					zap.Error(err),
				)
				continue
			}
			if ev == nil {
				continue
			}
			if ctx.Err() != nil {
				// Stopped while the fetch was in flight; the owner
				// must not see a change it no longer expects.
				return
			}
			select {
			case p.C <- *ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop cancels the listen loop and resets the ETag memory. Idempotent.
// An in-flight fetch runs to completion and its result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.etag = ""
}

// Listening reports whether a listen loop is currently running.
func (p *Poller) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Fetch performs one conditional GET against the feed and returns a
// non-nil Event when the content digest differs from the committed one.
func (p *Poller) Fetch(ctx context.Context) (*Event, error) {
	p.mu.Lock()
	etag := p.etag
	digest := p.digest
	lastChanged := p.lastChanged
	p.mu.Unlock()

	target := p.conf.Feed
	var resp *http.Response
	for redirects := 0; ; redirects++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			p.observe("error")
			return nil, err
		}
		req.Header.Set("User-Agent", pubsub.UserAgent)
		if digest != "" {
			req.Header.Set("If-Modified-Since", lastChanged.UTC().Format(http.TimeFormat))
			if etag != "" {
				req.Header.Set("If-None-Match", etag)
			}
		}
		resp, err = p.httpClient.Do(req)
		if err != nil {
			p.observe("error")
			return nil, err
		}
		if resp.StatusCode != http.StatusMovedPermanently &&
			resp.StatusCode != http.StatusFound &&
			resp.StatusCode != http.StatusTemporaryRedirect {
			break
		}
		location := resp.Header.Get("Location")
		_ = resp.Body.Close()
		if location == "" {
			p.observe("error")
			return nil, errors.New("redirect without location header")
		}
		if redirects == p.conf.MaxRedirects {
			p.observe("error")
			return nil, fmt.Errorf("redirect chain exceeded %d hops", p.conf.MaxRedirects)
		}
		zap.L().Debug("following feed redirect",
			zap.String("feed", p.conf.Feed),
			zap.String("location", location),
			zap.Int("redirects", redirects+1),
		)
		target = location
	}
	defer resp.Body.Close()

	p.mu.Lock()
	if et := resp.Header.Get("Etag"); et != "" {
		p.etag = et
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		p.contentType = ct
	}
	contentType := p.contentType
	p.mu.Unlock()

	if resp.StatusCode == http.StatusNotModified {
		p.observe("unchanged")
		return nil, nil
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		p.observe("error")
		return nil, err
	}
	sum := md5.Sum(content)
	newDigest := hex.EncodeToString(sum[:])
	if newDigest == digest {
		p.observe("unchanged")
		return nil, nil
	}
	p.observe("changed")
	zap.L().Info("new content found",
		zap.String("feed", p.conf.Feed),
		zap.String("digest", newDigest),
		zap.Int("bytes", len(content)),
	)
	return &Event{
		Feed:        p.conf.Feed,
		Content:     content,
		ContentType: contentType,
		Digest:      newDigest,
		ChangedAt:   time.Now(),
	}, nil
}

// Commit acknowledges that ev was persisted and fanned out, making its
// digest the new comparison baseline.
func (p *Poller) Commit(ev *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.digest = ev.Digest
	p.lastChanged = ev.ChangedAt
}

func (p *Poller) observe(result string) {
	p.fetches.WithLabelValues(result).Inc()
}
