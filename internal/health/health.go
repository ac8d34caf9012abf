// Package health exposes the venue session state as a grpc.health.v1 service.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"arbitrage-core/internal/events"
	"arbitrage-core/internal/session"
)

// SessionService is SERVING only while the cTrader catalog is loaded.
const SessionService = "ctrader.session"

// Server runs the gRPC health endpoint.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

func NewServer(log zerolog.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, log: log.With().Str("component", "health").Logger()}
}

// SetSession maps a session state to a serving status.
func (s *Server) SetSession(state string) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == session.StateCatalogLoaded.String() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SessionService, status)
}

// Follow tracks session transitions published on bus until ctx ends.
func (s *Server) Follow(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.Subscribe(events.EventSessionState, 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if st, ok := env.Payload.(events.SessionState); ok {
					s.SetSession(st.State)
				}
			}
		}
	}()
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health listening")
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves in the background. Errors after startup are logged.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.log.Error().Err(err).Msg("grpc health stopped")
		}
	}()
	return nil
}

// Stop marks everything NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Check queries a health endpoint for service.
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
