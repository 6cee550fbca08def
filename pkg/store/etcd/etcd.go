package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/JulienBalestra/dry/pkg/promregister"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pubhub/pubhub/pkg/subscription"
	"go.etcd.io/etcd/clientv3"
	"go.uber.org/zap"
)

const keyPrefix = "/subscriptions/"

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// Etcd persists subscription records as JSON values under keyPrefix.
type Etcd struct {
	conf   *Config
	client *clientv3.Client

	connState *prometheus.CounterVec
}

func New(ctx context.Context, conf *Config) (*Etcd, error) {
	if conf.Endpoints == nil {
		return nil, errors.New("must provide etcd endpoints")
	}
	if conf.DialTimeout == 0 {
		conf.DialTimeout = time.Second * 5
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:            conf.Endpoints,
		DialTimeout:          conf.DialTimeout,
		DialKeepAliveTime:    time.Minute,
		DialKeepAliveTimeout: time.Second * 5,
		Context:              ctx,
	})
	if err != nil {
		return nil, err
	}
	e := &Etcd{
		conf:   conf,
		client: client,
		connState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubhub_etcd_conn_state",
		},
			[]string{
				"state",
				"target",
			},
		),
	}
	err = promregister.Register(e.connState)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	initConnectionState(e.connState, client.ActiveConnection())
	return e, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}

func (e *Etcd) FindOne(ctx context.Context, feed string) (*subscription.Record, error) {
	e.observeConnState()
	resp, err := e.client.Get(ctx, keyPrefix+feed)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	rec := &subscription.Record{}
	err = json.Unmarshal(resp.Kvs[0].Value, rec)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Etcd) FindAll(ctx context.Context) ([]*subscription.Record, error) {
	e.observeConnState()
	resp, err := e.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	recs := make([]*subscription.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec := &subscription.Record{}
		err = json.Unmarshal(kv.Value, rec)
		if err != nil {
			zap.L().Error("skipping undecodable subscription record",
				zap.ByteString("key", kv.Key),
				zap.Error(err),
			)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (e *Etcd) Upsert(ctx context.Context, rec *subscription.Record) error {
	e.observeConnState()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, keyPrefix+rec.Feed, string(b))
	return err
}

func (e *Etcd) Delete(ctx context.Context, feed string) error {
	e.observeConnState()
	_, err := e.client.Delete(ctx, keyPrefix+feed)
	return err
}

func (e *Etcd) observeConnState() {
	conn := e.client.ActiveConnection()
	e.connState.WithLabelValues(
		conn.GetState().String(),
		conn.Target(),
	).Inc()
}
