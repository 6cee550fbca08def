package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pubhub/pubhub/pkg/pubsub"
	"github.com/pubhub/pubhub/pkg/subscription"
	"go.uber.org/zap"
)

type Config struct {
	RetryInterval time.Duration
	RetryCount    int
	Timeout       time.Duration
}

// Dispatcher delivers changed content to subscriber callbacks. Each
// subscriber is handled independently; one callback exhausting its
// retries never blocks the others.
type Dispatcher struct {
	conf       *Config
	httpClient *http.Client
	deliveries *prometheus.CounterVec
}

func NewDispatcher(conf *Config, deliveries *prometheus.CounterVec) *Dispatcher {
	if conf.RetryInterval == 0 {
		conf.RetryInterval = pubsub.DefaultRetryInterval
	}
	if conf.RetryCount == 0 {
		conf.RetryCount = pubsub.DefaultRetryCount
	}
	if conf.Timeout == 0 {
		conf.Timeout = time.Second * 30
	}
	return &Dispatcher{
		conf: conf,
		httpClient: &http.Client{
			Timeout: conf.Timeout,
		},
		deliveries: deliveries,
	}
}

// Publish fans content out to every subscriber in parallel and returns
// once each delivery reached a terminal state, success or
// retry-exhaustion.
func (d *Dispatcher) Publish(ctx context.Context, feed string, subscribers []subscription.Subscriber, content []byte, contentType string) {
	if len(subscribers) == 0 {
		return
	}
	waitGroup := sync.WaitGroup{}
	for _, sub := range subscribers {
		waitGroup.Add(1)
		go func(sub subscription.Subscriber) {
			defer waitGroup.Done()
			d.publishOne(ctx, feed, sub, content, contentType)
		}(sub)
	}
	waitGroup.Wait()
	zap.L().Info("published to all subscribers",
		zap.String("feed", feed),
		zap.Int("subscribers", len(subscribers)),
	)
}

func (d *Dispatcher) publishOne(ctx context.Context, feed string, sub subscription.Subscriber, content []byte, contentType string) {
	zctx := zap.L().With(
		zap.String("feed", feed),
		zap.String("callback", sub.Callback),
	)
	for retry := 0; ; retry++ {
		err := d.post(ctx, sub, content, contentType)
		if err == nil {
			d.deliveries.WithLabelValues("success").Inc()
			zctx.Info("published to subscriber", zap.Int("retry", retry))
			return
		}
		if retry == d.conf.RetryCount {
			d.deliveries.WithLabelValues("failed").Inc()
			zctx.Error("delivery failed, halting",
				zap.Int("retries", retry),
				zap.Error(err),
			)
			return
		}
		d.deliveries.WithLabelValues("retry").Inc()
		zctx.Error("delivery failed, retrying",
			zap.Int("retry", retry),
			zap.Duration("retryInterval", d.conf.RetryInterval),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			d.deliveries.WithLabelValues("failed").Inc()
			zctx.Error("delivery canceled", zap.Error(ctx.Err()))
			return
		case <-time.After(d.conf.RetryInterval):
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, sub subscription.Subscriber, content []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(content))
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = pubsub.DefaultContentType
	}
	req.Header.Set("User-Agent", pubsub.UserAgent)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Length", strconv.Itoa(len(content)))
	if sub.Secret != "" {
		req.Header.Set("X-Hub-Signature", Signature(content, sub.Secret))
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscriber responded with %d", resp.StatusCode)
	}
	return nil
}

// Signature computes the X-Hub-Signature header value for content: the
// hex HMAC-SHA1 of the delivered body keyed with the subscriber secret.
func Signature(content []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(content)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}
