package server

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/undertune/z407d/bluetooth"
	"github.com/undertune/z407d/utils"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	orch     *bluetooth.Orchestrator
	wsHub    *utils.WebSocketHub
	connLog  *utils.ConnectionLog
	netCheck *utils.NetworkChecker
	version  string

	router chi.Router
	http   *http.Server
}

// NewServer creates a new Server instance.
func NewServer(orch *bluetooth.Orchestrator, wsHub *utils.WebSocketHub, connLog *utils.ConnectionLog, netCheck *utils.NetworkChecker, version string) *Server {
	s := &Server{
		orch:     orch,
		wsHub:    wsHub,
		connLog:  connLog,
		netCheck: netCheck,
		version:  version,
		router:   chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	s.router.Get("/ws", s.handleWebSocket)
	s.router.Get("/info", s.handleInfo)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/diagnostics", s.handleDiagnostics)
	s.router.Get("/log/export", s.handleLogExport)

	s.router.Post("/connect", s.handleConnect)
	s.router.Post("/disconnect", s.handleDisconnect)
	s.router.Post("/command/{name}", s.handleCommand)

	s.router.Route("/bluetooth", func(r chi.Router) {
		r.Get("/devices", s.handleBluetoothDevices)
		r.Get("/network", s.handleNetworkLink)
	})
}

// Start begins serving on addr. It returns immediately; errors other than
// a clean shutdown are fatal.
func (s *Server) Start(addr string) {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		log.Printf("HTTP: listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP: could not start server: %v", err)
		}
	}()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
