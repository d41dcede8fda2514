package api

import (
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BridgeService is the health service name that reports whether an
// inspector is connected.
const BridgeService = "appwall.bridge"

// Health serves grpc.health.v1.Health. The overall server is always
// SERVING; BridgeService follows the inspector connection.
type Health struct {
	hs  *health.Server
	gs  *grpc.Server
	log *logrus.Entry
}

func NewHealth() *Health {
	h := &Health{
		hs:  health.NewServer(),
		gs:  grpc.NewServer(),
		log: logrus.WithField("component", "health"),
	}
	h.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.hs.SetServingStatus(BridgeService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.gs, h.hs)
	return h
}

func (h *Health) SetBridgeConnected(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.log.Debugf("%s is %s", BridgeService, status)
	h.hs.SetServingStatus(BridgeService, status)
}

// BridgeHooks returns connect and disconnect callbacks for the bridge.
func (h *Health) BridgeHooks() (onConnect, onDisconnect func()) {
	return func() { h.SetBridgeConnected(true) }, func() { h.SetBridgeConnected(false) }
}

// Serve blocks until Stop is called.
func (h *Health) Serve(ln net.Listener) error {
	return h.gs.Serve(ln)
}

func (h *Health) Stop() {
	h.hs.Shutdown()
	h.gs.GracefulStop()
}
