// Package metrics serves the prometheus registry every other package in
// this repository registers its counters/gauges against. Grounded on
// crux/pkg/crux/fire.go's PromHandler/PromInit, with the TLS-serving
// half dropped along with the rest of the encryption layer (see
// DESIGN.md "Dropped dependencies").
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dgi-broker/broker/pkg/clog"
)

// Server serves /metrics on a fixed port over plain HTTP.
type Server struct {
	srv *http.Server
}

// Listen starts a metrics server on addr ("host:port"). Passing an empty
// addr, or one whose port is "0", is treated as "disabled" and Listen
// returns (nil, nil).
func Listen(addr string) (*Server, error) {
	if addr == "" {
		return nil, nil
	}
	if _, port, err := net.SplitHostPort(addr); err == nil && port == "0" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			clog.Log.Log(clog.LevelWarn, "metrics", "err", err)
		}
	}()
	return &Server{srv: srv}, nil
}

// Close shuts the metrics server down.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(context.Background())
}
