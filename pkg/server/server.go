package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/JulienBalestra/dry/pkg/promregister"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pubhub/pubhub/pkg/hub"
	"github.com/pubhub/pubhub/pkg/pubsub"
	"github.com/pubhub/pubhub/pkg/verify"
	"go.uber.org/zap"
)

type Config struct {
	ListenAddr string

	VerifyConfig *verify.Config
}

// Server is the hub's HTTP surface: the subscribe and publish entry
// points plus the metrics endpoint.
type Server struct {
	conf     *Config
	registry *hub.Registry
	verifier *verify.Verifier
	mux      *mux.Router

	runCtx context.Context
}

func NewServer(conf *Config, registry *hub.Registry) (*Server, error) {
	if conf.VerifyConfig == nil {
		conf.VerifyConfig = &verify.Config{}
	}
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubhub_verifications",
	},
		[]string{
			"mode",
			"result",
		},
	)
	err := promregister.Register(verifications)
	if err != nil {
		return nil, err
	}
	s := &Server{
		conf:     conf,
		registry: registry,
		verifier: verify.NewVerifier(conf.VerifyConfig, verifications),
		mux:      mux.NewRouter(),
	}
	s.mux.NewRoute().Name("subscribe").Path(pubsub.SubscribeAPIPath).Methods(http.MethodPost).HandlerFunc(s.subscribeHandler)
	s.mux.NewRoute().Name("publish").Path(pubsub.PublishAPIPath).Methods(http.MethodPost).HandlerFunc(s.publishHandler)
	s.mux.NewRoute().Name("metrics").Path("/metrics").Methods(http.MethodGet).Handler(promhttp.Handler())
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		zap.L().Error("failed to parse subscribe request", zap.Error(err))
		return
	}
	req := &pubsub.SubscriptionRequest{
		Callback:    r.PostForm.Get(pubsub.ParamCallback),
		Mode:        r.PostForm.Get(pubsub.ParamMode),
		Topic:       r.PostForm.Get(pubsub.ParamTopic),
		Verify:      r.PostForm.Get(pubsub.ParamVerify),
		Secret:      r.PostForm.Get(pubsub.ParamSecret),
		VerifyToken: r.PostForm.Get(pubsub.ParamVerifyToken),
	}
	if lease := r.PostForm.Get(pubsub.ParamLeaseSeconds); lease != "" {
		seconds, err := strconv.Atoi(lease)
		if err != nil {
			zap.L().Warn("ignoring malformed lease seconds",
				zap.String("value", lease),
				zap.String("callback", req.Callback),
			)
		}
		req.LeaseSeconds = seconds
	}
	zctx := zap.L().With(
		zap.String("mode", req.Mode),
		zap.String("topic", req.Topic),
		zap.String("callback", req.Callback),
	)
	if !validSubscriptionRequest(req) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Invalid request"))
		zctx.Error("invalid subscription request")
		return
	}

	if req.Verify == pubsub.VerifyAsync {
		// Acknowledge now; the handshake result is not reported back.
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Accepted"))
		go func() {
			err := s.verifier.VerifyWithRetry(s.lifetime(), req)
			if err != nil {
				return
			}
			err = s.registry.Subscribe(s.lifetime(), req)
			if err != nil {
				zctx.Error("failed to commit subscription", zap.Error(err))
			}
		}()
		return
	}

	err = s.verifier.Verify(r.Context(), req)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Unable to verify, " + err.Error()))
		zctx.Error("failed to verify intent", zap.Error(err))
		return
	}
	err = s.registry.Subscribe(r.Context(), req)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		zctx.Error("failed to commit subscription", zap.Error(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishHandler(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		zap.L().Error("failed to parse publish request", zap.Error(err))
		return
	}
	mode := r.PostForm.Get(pubsub.ParamMode)
	topic := r.PostForm.Get(pubsub.ParamURL)
	if mode != pubsub.ModePublish || !validURL(topic) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Invalid publish notification"))
		zap.L().Error("invalid publish notification",
			zap.String("mode", mode),
			zap.String("url", topic),
		)
		return
	}
	// Respond before fetching so a slow feed cannot stall the notifier.
	w.WriteHeader(http.StatusNoContent)
	go func() {
		err := s.registry.Publish(s.lifetime(), topic)
		if err != nil {
			zap.L().Error("failed to handle publish notification",
				zap.String("feed", topic),
				zap.Error(err),
			)
		}
	}()
}

// Run serves HTTP until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx
	l, err := net.Listen("tcp4", s.conf.ListenAddr)
	if err != nil {
		return err
	}
	zap.L().Info("serving http", zap.String("listenAddr", s.conf.ListenAddr))
	go http.Serve(l, s.mux)
	<-ctx.Done()
	return l.Close()
}

func (s *Server) lifetime() context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func validSubscriptionRequest(req *pubsub.SubscriptionRequest) bool {
	if req.Mode != pubsub.ModeSubscribe && req.Mode != pubsub.ModeUnsubscribe {
		return false
	}
	if req.Verify != pubsub.VerifySync && req.Verify != pubsub.VerifyAsync {
		return false
	}
	return validURL(req.Callback) && validURL(req.Topic)
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
