package grpc

import (
	"time"

	"arb-market/internal/collectors"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultRefreshInterval = 5 * time.Second

// StateSource reports collector state. *collectors.Supervisor satisfies it.
type StateSource interface {
	States() []collectors.State
}

// ServiceName is the health service name of an exchange collector
func ServiceName(exchange string) string {
	return "collector." + exchange
}

// Refresh recomputes every service status from the current collector states.
// The overall service is SERVING while at least one collector is connected.
func (s *Server) Refresh() {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	for _, st := range s.states.States() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.Connected {
			status = healthpb.HealthCheckResponse_SERVING
			overall = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(ServiceName(st.Exchange), status)
	}
	s.health.SetServingStatus("", overall)
}

func (s *Server) refreshLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Refresh()
		case <-s.stop:
			return
		}
	}
}

// Uptime since the server was created
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
