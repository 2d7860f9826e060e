package agentedge

import (
	"context"
	"net/http"
	"time"

	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// Service fits the Agent Edge HTTP surface into the lifecycle manager,
// the same way the teacher's internal/app/httpapi.Service wraps its
// handler in a plain *http.Server with a graceful Stop via Shutdown.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *forgelog.Logger
}

// NewService builds the Agent Edge lifecycle service listening on addr.
func NewService(systems storage.SystemStore, addr string, limit RateLimit, log *forgelog.Logger) *Service {
	if log == nil {
		log = forgelog.NewDefault("agent-edge")
	}
	return &Service{addr: addr, handler: NewHTTPHandler(systems, limit, log), log: log}
}

var _ system.Service = (*Service)(nil)

// Name implements system.Service.
func (s *Service) Name() string { return "agent-edge" }

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "agent-edge", Domain: "systems", Layer: system.LayerEdge, Capabilities: []string{"verify-signature", "report-state", "desired-target"}}
}

// Start launches the HTTP listener in the background.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("agent edge http server error")
		}
	}()
	s.log.WithField("addr", s.addr).Info("agent edge started")
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.log.Info("agent edge stopped")
	return nil
}
