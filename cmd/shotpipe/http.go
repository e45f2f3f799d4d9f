package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"

	"go.klb.dev/shotpipe/internal/gateway"
	"go.klb.dev/shotpipe/internal/notify"
	"go.klb.dev/shotpipe/internal/rpc"
	"go.klb.dev/shotpipe/internal/tlsconf"
)

// tcpServer is gRPC and the HTTP gateway sharing one TCP listener.
type tcpServer struct {
	ln   net.Listener
	grpc *grpc.Server
	http *http.Server
}

// listenTCP serves svc on addr: requests with content-type application/grpc go
// to the gRPC server, everything else to the HTTP gateway.
// When tlsToken is set the listener is wrapped in TLS keyed by it.
func listenTCP(addr, tlsToken string, svc *rpc.Service, d *notify.Dispatcher) (*tcpServer, error) {
	gw, err := gateway.New(svc, d)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if tlsToken != "" {
		cfg, err := tlsconf.Server(tlsToken)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, cfg)
	}

	m := cmux.New(ln)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	s := &tcpServer{
		ln:   ln,
		grpc: newGRPCServer(svc),
		http: &http.Server{Handler: gw, ReadHeaderTimeout: 10 * time.Second},
	}
	go serveGRPC(s.grpc, grpcL, "tcp")
	go func() {
		if err := s.http.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			slog.Error("http gateway exited", "err", err)
		}
	}()
	go func() {
		if err := m.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("cmux exited", "err", err)
		}
	}()

	slog.Info("listening", "addr", ln.Addr(), "protocols", "grpc,http", "tls", tlsToken != "")
	return s, nil
}

func (s *tcpServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		_ = s.http.Close()
	}
	s.grpc.Stop()
	_ = s.ln.Close()
}
