package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route mirrors the teacher console package's Route: a path paired with
// its handler, registered against a mux.Router by Routes().
type Route struct {
	Path       string
	Controller func(w http.ResponseWriter, req *http.Request)
}

// Server exposes /metrics and /healthz on its own listener. Start/Stop
// follow fetcher.go's FetchManager lifecycle: Start launches the listener
// goroutine and returns immediately, Stop drains it with a bounded
// shutdown deadline.
type Server struct {
	addr string
	reg  *Registry
	srv  *http.Server
}

// NewServer builds a Server bound to addr (e.g. ":9090"), serving reg's
// Prometheus registry.
func NewServer(addr string, reg *Registry) *Server {
	return &Server{addr: addr, reg: reg}
}

// Routes returns this server's route table, in the same shape the
// teacher's console.Routes() returns its web UI's routes.
func (s *Server) Routes() []Route {
	return []Route{
		{Path: "/healthz", Controller: s.healthzController},
	}
}

func (s *Server) healthzController(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start binds the listener and begins serving in a background goroutine.
// Errors other than http.ErrServerClosed are logged, since Start does not
// block the caller to report them.
func (s *Server) Start() error {
	router := mux.NewRouter()
	for _, r := range s.Routes() {
		router.HandleFunc(r.Path, r.Controller)
	}
	router.Handle("/metrics", promhttp.HandlerFor(s.reg.Gatherer(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics: binding %v: %w", s.addr, err)
	}

	go func() {
		log4go.Info("metrics: serving on %v", s.addr)
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log4go.Error("metrics: server exited: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, giving in-flight scrapes up to
// 5 seconds to complete.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
