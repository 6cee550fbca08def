package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JulienBalestra/dry/pkg/signals"
	"github.com/pubhub/pubhub/pkg/dispatch"
	"github.com/pubhub/pubhub/pkg/hub"
	"github.com/pubhub/pubhub/pkg/server"
	"github.com/pubhub/pubhub/pkg/store/etcd"
	"github.com/pubhub/pubhub/pkg/store/memory"
	"github.com/pubhub/pubhub/pkg/store/postgres"
	"github.com/pubhub/pubhub/pkg/subscription"
	"github.com/pubhub/pubhub/pkg/verify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func NewHubCommand(ctx context.Context) *cobra.Command {
	hubCmd := &cobra.Command{
		Short:   "hub",
		Long:    "hub",
		Use:     "hub",
		Aliases: []string{"h"},
	}
	fs := &pflag.FlagSet{}

	hubConfig := &hub.Config{
		DispatchConfig: &dispatch.Config{},
	}
	serverConfig := &server.Config{
		VerifyConfig: &verify.Config{},
	}
	etcdConfig := &etcd.Config{}
	postgresConfig := &postgres.Config{}
	storeBackend := "memory"

	fs.StringVar(&serverConfig.ListenAddr, "listen-address", "0.0.0.0:3000", "listen address")
	fs.DurationVar(&hubConfig.RefreshInterval, "poll-interval", time.Minute, "feed polling interval")
	fs.IntVar(&hubConfig.MaxRedirects, "max-redirects", 5, "maximum redirect hops followed while polling")
	fs.DurationVar(&hubConfig.PollTimeout, "poll-timeout", time.Second*30, "feed fetch timeout")
	fs.DurationVar(&hubConfig.DispatchConfig.RetryInterval, "delivery-retry-interval", time.Second*10, "delay between delivery retries")
	fs.IntVar(&hubConfig.DispatchConfig.RetryCount, "delivery-retry-count", 5, "delivery retry ceiling")
	fs.DurationVar(&hubConfig.DispatchConfig.Timeout, "delivery-timeout", time.Second*30, "delivery request timeout")
	fs.DurationVar(&serverConfig.VerifyConfig.RetryInterval, "verify-retry-interval", time.Second*10, "delay between async verification retries")
	fs.IntVar(&serverConfig.VerifyConfig.RetryCount, "verify-retry-count", 5, "async verification retry ceiling")
	fs.DurationVar(&serverConfig.VerifyConfig.Timeout, "verify-timeout", time.Second*30, "verification request timeout")
	fs.StringVar(&storeBackend, "store", storeBackend, "storage backend - memory etcd postgres")
	fs.StringArrayVar(&etcdConfig.Endpoints, "etcd-endpoints", nil, "etcd endpoints")
	fs.StringVar(&postgresConfig.DSN, "postgres-dsn", "", "postgres connection string")

	hubCmd.Flags().AddFlagSet(fs)
	hubCmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var store subscription.Store
		switch storeBackend {
		case "memory":
			store = memory.New()

		case "etcd":
			e, err := etcd.New(ctx, etcdConfig)
			if err != nil {
				return err
			}
			defer e.Close()
			store = e

		case "postgres":
			p, err := postgres.Open(postgresConfig)
			if err != nil {
				return err
			}
			defer p.Close()
			err = p.Ensure(ctx)
			if err != nil {
				return err
			}
			store = p

		default:
			return fmt.Errorf("unknown store backend: %q", storeBackend)
		}

		registry, err := hub.NewRegistry(hubConfig, store)
		if err != nil {
			return err
		}
		srv, err := server.NewServer(serverConfig, registry)
		if err != nil {
			return err
		}

		waitGroup := &sync.WaitGroup{}
		waitGroup.Add(1)
		go func() {
			signals.NotifySignals(ctx, func() {})
			cancel()
			waitGroup.Done()
		}()

		errCh := make(chan error, 2)
		waitGroup.Add(2)
		go func() {
			errCh <- registry.Run(ctx)
			cancel()
			waitGroup.Done()
		}()
		go func() {
			errCh <- srv.Run(ctx)
			cancel()
			waitGroup.Done()
		}()
		err = <-errCh
		cancel()
		waitGroup.Wait()
		return err
	}
	return hubCmd
}
