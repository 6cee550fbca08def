package hub

import (
	"context"
	"sync"
	"time"

	"github.com/JulienBalestra/dry/pkg/promregister"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pubhub/pubhub/pkg/dispatch"
	"github.com/pubhub/pubhub/pkg/poll"
	"github.com/pubhub/pubhub/pkg/pubsub"
	"github.com/pubhub/pubhub/pkg/subscription"
	"go.uber.org/zap"
)

type Config struct {
	RefreshInterval time.Duration
	MaxRedirects    int
	PollTimeout     time.Duration

	DispatchConfig *dispatch.Config
}

// Hub is the runtime unit for one feed: its subscription entity plus
// the poller watching the feed.
type Hub struct {
	sub    *subscription.Subscription
	poller *poll.Poller
	cancel context.CancelFunc
}

// Registry owns the feed to Hub map, bootstraps every known feed from
// the store at startup and routes subscribe/publish signals to the
// right Hub.
type Registry struct {
	conf       *Config
	store      subscription.Store
	dispatcher *dispatch.Dispatcher

	pollFetches *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	hubsGauge   prometheus.Gauge

	mu     sync.Mutex
	hubs   map[string]*Hub
	runCtx context.Context
}

func NewRegistry(conf *Config, store subscription.Store) (*Registry, error) {
	if conf.RefreshInterval == 0 {
		conf.RefreshInterval = pubsub.DefaultRefreshInterval
	}
	if conf.DispatchConfig == nil {
		conf.DispatchConfig = &dispatch.Config{}
	}
	r := &Registry{
		conf:  conf,
		store: store,
		hubs:  make(map[string]*Hub),
		pollFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubhub_poll_fetches",
		},
			[]string{
				"result",
			},
		),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubhub_deliveries",
		},
			[]string{
				"result",
			},
		),
		hubsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubhub_hubs",
		}),
	}
	err := promregister.Register(
		r.pollFetches,
		r.deliveries,
		r.hubsGauge,
	)
	if err != nil {
		return nil, err
	}
	r.dispatcher = dispatch.NewDispatcher(conf.DispatchConfig, r.deliveries)
	return r, nil
}

// Run bootstraps every feed with at least one subscriber from the store
// and blocks until ctx is canceled, then stops all hubs.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	recs, err := r.store.FindAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, rec := range recs {
		if len(rec.Subscribers) == 0 {
			continue
		}
		sub := subscription.FromRecord(r.store, rec)
		h := r.attach(ctx, sub)
		if !rec.Push {
			h.poller.Listen(ctx)
		}
	}
	started := len(r.hubs)
	r.mu.Unlock()
	zap.L().Info("registry started", zap.Int("hubs", started))

	<-ctx.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hubs {
		h.poller.Stop()
		h.cancel()
	}
	return nil
}

// Subscribe commits an already verified subscription request: it finds
// or creates the Hub for the topic and adds or removes the subscriber.
// r.mu only guards the map; store round-trips run unlocked so one slow
// feed cannot stall routing for the others.
func (r *Registry) Subscribe(ctx context.Context, req *pubsub.SubscriptionRequest) error {
	r.mu.Lock()
	h, ok := r.hubs[req.Topic]
	lctx := r.lifetime()
	r.mu.Unlock()

	created := false
	if !ok {
		if req.Mode != pubsub.ModeSubscribe {
			// Unsubscribing from a feed the hub never saw.
			zap.L().Debug("unsubscribe for unknown feed", zap.String("feed", req.Topic))
			return nil
		}
		sub, err := subscription.Load(ctx, r.store, req.Topic)
		if err != nil {
			return err
		}
		r.mu.Lock()
		// A concurrent subscribe may have attached the feed meanwhile.
		h, ok = r.hubs[req.Topic]
		if !ok {
			h = r.attach(r.lifetime(), sub)
			created = true
		}
		r.mu.Unlock()
	}

	if req.Mode == pubsub.ModeSubscribe {
		err := h.sub.AddSubscriber(ctx, subscription.Subscriber{
			Callback:     req.Callback,
			Created:      time.Now().UnixMilli(),
			LeaseSeconds: req.LeaseSeconds,
			Secret:       req.Secret,
			VerifyToken:  req.VerifyToken,
		})
		if err != nil {
			if created {
				// The first commit never happened; do not keep a hub
				// for a record the store never saw.
				r.detach(req.Topic, h)
			}
			return err
		}
		if !h.sub.Snapshot().Push {
			h.poller.Listen(lctx)
		}
		return nil
	}

	empty, err := h.sub.RemoveSubscriber(ctx, req.Callback)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	// Last subscriber gone: stop polling and forget the feed.
	r.detach(req.Topic, h)
	return h.sub.Remove(ctx)
}

// Publish handles a feed's change notification: an immediate fetch
// bypassing the poll timer. The first publish for a feed marks it
// push-capable and stops its independent polling.
func (r *Registry) Publish(ctx context.Context, topic string) error {
	r.mu.Lock()
	h, ok := r.hubs[topic]
	r.mu.Unlock()
	if !ok {
		// Unknown feed: keep an empty hub so a later subscribe
		// attaches to its publish history.
		sub, err := subscription.Load(ctx, r.store, topic)
		if err != nil {
			return err
		}
		r.mu.Lock()
		h, ok = r.hubs[topic]
		if !ok {
			h = r.attach(r.lifetime(), sub)
		}
		r.mu.Unlock()
	}

	if !h.sub.Snapshot().Push {
		err := h.sub.MarkPush(ctx)
		if err != nil {
			return err
		}
		h.poller.Stop()
		zap.L().Info("feed is push capable", zap.String("feed", topic))
	}

	ev, err := h.poller.Fetch(ctx)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	return r.handleChange(ctx, h, ev)
}

// attach wires a Hub for sub into the registry map and starts its event
// loop. Callers hold r.mu.
func (r *Registry) attach(ctx context.Context, sub *subscription.Subscription) *Hub {
	rec := sub.Snapshot()
	poller := poll.NewPoller(&poll.Config{
		Feed:            rec.Feed,
		RefreshInterval: r.conf.RefreshInterval,
		MaxRedirects:    r.conf.MaxRedirects,
		Timeout:         r.conf.PollTimeout,
	},
		r.pollFetches,
		rec.ContentHash,
		time.UnixMilli(rec.Changed),
		rec.ContentType,
	)
	hubCtx, cancel := context.WithCancel(ctx)
	h := &Hub{
		sub:    sub,
		poller: poller,
		cancel: cancel,
	}
	r.hubs[rec.Feed] = h
	r.hubsGauge.Set(float64(len(r.hubs)))
	go r.runHub(hubCtx, h)
	return h
}

// detach removes h from the registry map and tears it down. The map
// check guards against a racing attach having replaced the hub.
func (r *Registry) detach(feed string, h *Hub) {
	r.mu.Lock()
	if r.hubs[feed] == h {
		delete(r.hubs, feed)
		r.hubsGauge.Set(float64(len(r.hubs)))
	}
	r.mu.Unlock()
	h.poller.Stop()
	h.cancel()
}

func (r *Registry) runHub(ctx context.Context, h *Hub) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-h.poller.C:
			err := r.handleChange(ctx, h, &ev)
			if err != nil {
				zap.L().Error("failed to handle content change",
					zap.String("feed", ev.Feed),
					zap.Error(err),
				)
			}
		}
	}
}

// handleChange persists the new digest, fans the content out and
// resumes polling for feeds that are still poll-based. The digest is
// committed with the fan-out decision, never speculatively.
func (r *Registry) handleChange(ctx context.Context, h *Hub, ev *poll.Event) error {
	if ev.Digest == h.sub.Snapshot().ContentHash {
		// A poll loop stopped mid-send can leave one event behind;
		// its content already fanned out.
		return nil
	}
	err := h.sub.UpdateContent(ctx, ev.Digest, ev.ContentType, ev.ChangedAt)
	if err != nil {
		// Leave the poller baseline untouched so the next fetch
		// retries this change.
		return err
	}
	h.poller.Commit(ev)

	rec := h.sub.Snapshot()
	r.dispatcher.Publish(ctx, rec.Feed, rec.Subscribers, ev.Content, ev.ContentType)
	if !rec.Push && len(rec.Subscribers) > 0 {
		h.poller.Listen(ctx)
	}
	return nil
}

// Hub returns the hub for feed, nil when unknown. Test hook.
func (r *Registry) Hub(feed string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubs[feed]
}

// Poller exposes the hub's poller. Test hook.
func (h *Hub) Poller() *poll.Poller {
	return h.poller
}

// Snapshot returns the hub's current record.
func (h *Hub) Snapshot() subscription.Record {
	return h.sub.Snapshot()
}

// lifetime is the context hubs outlive requests with. Callers hold r.mu.
func (r *Registry) lifetime() context.Context {
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}
