package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pubhub/pubhub/pkg/pubsub"
	"go.uber.org/zap"
)

// ErrChallengeMismatch reports a callback that answered 2xx but did not
// echo the challenge byte-for-byte.
var ErrChallengeMismatch = errors.New("challenge echo does not match")

// StatusError reports a callback that answered the handshake outside
// [200,299].
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with %d", e.StatusCode)
}

type Config struct {
	RetryInterval time.Duration
	RetryCount    int
	Timeout       time.Duration
}

// Verifier challenges a subscriber callback to prove it requested the
// subscription change before any state is committed.
type Verifier struct {
	conf          *Config
	httpClient    *http.Client
	verifications *prometheus.CounterVec
}

func NewVerifier(conf *Config, verifications *prometheus.CounterVec) *Verifier {
	if conf.RetryInterval == 0 {
		conf.RetryInterval = pubsub.DefaultRetryInterval
	}
	if conf.RetryCount == 0 {
		conf.RetryCount = pubsub.DefaultRetryCount
	}
	if conf.Timeout == 0 {
		conf.Timeout = time.Second * 30
	}
	return &Verifier{
		conf: conf,
		httpClient: &http.Client{
			Timeout: conf.Timeout,
		},
		verifications: verifications,
	}
}

// Verify performs one handshake: a GET to the callback carrying a fresh
// challenge, succeeding only on a 2xx response whose body equals the
// challenge exactly.
func (v *Verifier) Verify(ctx context.Context, req *pubsub.SubscriptionRequest) error {
	err := v.verify(ctx, req)
	if err != nil {
		v.verifications.WithLabelValues(req.Mode, "failed").Inc()
		return err
	}
	v.verifications.WithLabelValues(req.Mode, "verified").Inc()
	return nil
}

func (v *Verifier) verify(ctx context.Context, req *pubsub.SubscriptionRequest) error {
	callback, err := url.Parse(req.Callback)
	if err != nil {
		return err
	}
	challenge := uuid.NewString()
	query := callback.Query()
	query.Set(pubsub.ParamMode, req.Mode)
	query.Set(pubsub.ParamTopic, req.Topic)
	query.Set(pubsub.ParamChallenge, challenge)
	if req.LeaseSeconds > 0 {
		query.Set(pubsub.ParamLeaseSeconds, strconv.Itoa(req.LeaseSeconds))
	}
	if req.VerifyToken != "" {
		query.Set(pubsub.ParamVerifyToken, req.VerifyToken)
	}
	callback.RawQuery = query.Encode()

	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, callback.String(), nil)
	if err != nil {
		return err
	}
	hr.Header.Set("User-Agent", pubsub.UserAgent)
	resp, err := v.httpClient.Do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if string(body) != challenge {
		return ErrChallengeMismatch
	}
	zap.L().Info("verified intent",
		zap.String("mode", req.Mode),
		zap.String("topic", req.Topic),
		zap.String("callback", req.Callback),
	)
	return nil
}

// VerifyWithRetry re-attempts the handshake on failure with a fixed
// delay up to the configured ceiling, for async verification. Reaching
// the ceiling drops the request with a log record only.
func (v *Verifier) VerifyWithRetry(ctx context.Context, req *pubsub.SubscriptionRequest) error {
	var err error
	for retry := 0; retry <= v.conf.RetryCount; retry++ {
		err = v.Verify(ctx, req)
		if err == nil {
			return nil
		}
		if retry == v.conf.RetryCount {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.conf.RetryInterval):
		}
	}
	zap.L().Error("dropping unverifiable request",
		zap.String("mode", req.Mode),
		zap.String("topic", req.Topic),
		zap.String("callback", req.Callback),
		zap.Int("retries", v.conf.RetryCount),
		zap.Error(err),
	)
	return err
}
