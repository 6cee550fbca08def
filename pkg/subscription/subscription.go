package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/pubhub/pubhub/pkg/pubsub"
	"go.uber.org/zap"
)

// Subscriber is one callback endpoint registered on a feed. Callback is
// unique within a Subscription.
type Subscriber struct {
	Callback     string `json:"callback"`
	Created      int64  `json:"created"`
	LeaseSeconds int    `json:"leaseSeconds,omitempty"`
	Secret       string `json:"secret,omitempty"`
	VerifyToken  string `json:"verifyToken,omitempty"`
}

// Record is the persisted state of one feed, one record per feed URL.
type Record struct {
	Feed        string       `json:"feed"`
	Subscribers []Subscriber `json:"subscribers"`
	Changed     int64        `json:"changed"`
	ContentHash string       `json:"contentHash"`
	ContentType string       `json:"contentType"`
	Push        bool         `json:"push"`
}

// Store is the persistence contract implemented by each backend. FindOne
// returns (nil, nil) for an unknown feed.
type Store interface {
	FindOne(ctx context.Context, feed string) (*Record, error)
	FindAll(ctx context.Context) ([]*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, feed string) error
}

// Subscription owns one feed's record. All mutations go through its
// mutex so a subscribe racing a poll-driven content update cannot lose
// either write.
type Subscription struct {
	store Store

	mu  sync.Mutex
	rec *Record
}

// Load reads the record for feed, or initializes a fresh one when the
// store has never seen the feed.
func Load(ctx context.Context, store Store, feed string) (*Subscription, error) {
	rec, err := store.FindOne(ctx, feed)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Record{
			Feed:        feed,
			Changed:     time.Now().UnixMilli(),
			ContentType: pubsub.DefaultContentType,
		}
	}
	return &Subscription{
		store: store,
		rec:   rec,
	}, nil
}

// FromRecord wraps an already loaded record, used when bootstrapping
// every known feed at startup.
func FromRecord(store Store, rec *Record) *Subscription {
	if rec.ContentType == "" {
		rec.ContentType = pubsub.DefaultContentType
	}
	return &Subscription{
		store: store,
		rec:   rec,
	}
}

func (s *Subscription) Feed() string {
	return s.rec.Feed
}

// Snapshot returns a copy of the current record, subscribers included.
func (s *Subscription) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *s.rec
	rec.Subscribers = make([]Subscriber, len(s.rec.Subscribers))
	copy(rec.Subscribers, s.rec.Subscribers)
	return rec
}

func (s *Subscription) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx)
}

func (s *Subscription) save(ctx context.Context) error {
	err := s.store.Upsert(ctx, s.rec)
	if err != nil {
		return err
	}
	zap.L().Debug("saved subscription",
		zap.String("feed", s.rec.Feed),
		zap.Int("subscribers", len(s.rec.Subscribers)),
	)
	return nil
}

// Remove deletes the record from the store.
func (s *Subscription) Remove(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.Delete(ctx, s.rec.Feed)
	if err != nil {
		return err
	}
	zap.L().Info("removed subscription", zap.String("feed", s.rec.Feed))
	return nil
}

// AddSubscriber upserts sub by callback: an existing entry has all of
// its mutable fields overwritten in place, a new one is appended. The
// record is persisted before returning.
func (s *Subscription) AddSubscriber(ctx context.Context, sub Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.rec.Subscribers {
		if s.rec.Subscribers[i].Callback != sub.Callback {
			continue
		}
		s.rec.Subscribers[i] = sub
		found = true
		break
	}
	if !found {
		s.rec.Subscribers = append(s.rec.Subscribers, sub)
	}
	err := s.save(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("added subscriber",
		zap.String("feed", s.rec.Feed),
		zap.String("callback", sub.Callback),
		zap.Bool("update", found),
	)
	return nil
}

// RemoveSubscriber drops the entry matching callback. The returned bool
// reports whether the subscriber list is now empty so the owner can
// decide to delete the subscription and stop polling. Removing an
// unknown callback is a no-op.
func (s *Subscription) RemoveSubscriber(ctx context.Context, callback string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.rec.Subscribers {
		if s.rec.Subscribers[i].Callback != callback {
			continue
		}
		s.rec.Subscribers = append(s.rec.Subscribers[:i], s.rec.Subscribers[i+1:]...)
		found = true
		break
	}
	if !found {
		return false, nil
	}
	err := s.save(ctx)
	if err != nil {
		return false, err
	}
	zap.L().Info("removed subscriber",
		zap.String("feed", s.rec.Feed),
		zap.String("callback", callback),
	)
	return len(s.rec.Subscribers) == 0, nil
}

// UpdateContent records the digest and content type of the content that
// was just fanned out. Called after the fan-out decision, never before.
func (s *Subscription) UpdateContent(ctx context.Context, hash, contentType string, changedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec.ContentHash = hash
	s.rec.Changed = changedAt.UnixMilli()
	if contentType != "" {
		s.rec.ContentType = contentType
	}
	return s.save(ctx)
}

// MarkPush flags the feed as push-capable after its first publish
// notification.
func (s *Subscription) MarkPush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Push {
		return nil
	}
	s.rec.Push = true
	return s.save(ctx)
}
