package etcd

import (
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// initConnectionState seeds the counter with every connectivity state so
// the series exist before the first transition.
func initConnectionState(c *prometheus.CounterVec, conn *grpc.ClientConn) {
	target := conn.Target()
	c.WithLabelValues(connectivity.Idle.String(), target).Add(0)
	c.WithLabelValues(connectivity.Connecting.String(), target).Add(0)
	c.WithLabelValues(connectivity.Ready.String(), target).Add(0)
	c.WithLabelValues(connectivity.TransientFailure.String(), target).Add(0)
	c.WithLabelValues(connectivity.Shutdown.String(), target).Add(0)
}
