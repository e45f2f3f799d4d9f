package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"go.klb.dev/shotpipe/internal/clip"
	"go.klb.dev/shotpipe/internal/ipc"
	"go.klb.dev/shotpipe/internal/monitor"
	"go.klb.dev/shotpipe/internal/notify"
	"go.klb.dev/shotpipe/internal/rpc"
)

func newDaemonCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the clipboard monitor",
		Long: `Runs the monitor and serves the control API on the local socket. With --addr
the same gRPC API, plus an HTTP/JSON gateway, is served on one TCP port.

Config file search order:
  path supplied via --config
  $HOME/.config/shotpipe/shotpipe.toml
  /etc/shotpipe/shotpipe.toml

Precedence (lowest → highest): defaults → config file → SHOTPIPE_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runDaemon(v) },
	}

	f := cmd.Flags()
	f.Duration("interval", monitor.DefaultInterval, "clipboard poll interval")
	f.Duration("read-timeout", clip.DefaultReadTimeout, "give up on a single clipboard read after this long")
	f.Int("min-size", 64, "ignore images narrower or shorter than this many pixels (-1 disables)")
	f.Int("max-bytes", clip.DefaultMaxBytes, "ignore clipboard payloads larger than this")
	f.Int("buffer", notify.DefaultBuffer, "per-subscriber event queue length")
	f.String("backend", "system", "clipboard backend: system|memory")
	f.Bool("autostart", true, "start monitoring as soon as the daemon is up")
	f.String("addr", "", "also serve gRPC + HTTP on this TCP address, e.g. 127.0.0.1:8753")
	f.String("token", "", "bearer token required on --addr (required unless --addr is loopback)")
	f.Bool("tls", true, "encrypt --addr with a key derived from --token (needs --token)")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

// checkExposure refuses to serve clipboard control off-host without a token.
// Loopback without a token, or off-host with TLS disabled, only warns.
func checkExposure(addr, token string, useTLS bool) error {
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("--addr %q: %w", addr, err)
	}
	loopback := host == "localhost"
	if ip := net.ParseIP(host); ip != nil {
		loopback = ip.IsLoopback()
	}
	switch {
	case token == "" && !loopback:
		return fmt.Errorf("--addr %s is reachable from other hosts: set --token", addr)
	case token == "":
		slog.Warn("TCP listener has no token; any local process can control the clipboard", "addr", addr)
	case !useTLS && !loopback:
		slog.Warn("TLS disabled on a non-loopback listener; the token is sent in clear", "addr", addr)
	}
	return nil
}

func newBackend(name string) (clip.Backend, error) {
	switch name {
	case "system", "":
		return clip.NewSystem(), nil
	case "memory":
		return clip.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want system or memory)", name)
	}
}

func runDaemon(v *viper.Viper) error {
	if err := setupLogging(v); err != nil {
		return err
	}

	backend, err := newBackend(v.GetString("backend"))
	if err != nil {
		return err
	}
	acc := clip.NewAccessor(backend, clip.Options{
		ReadTimeout:  v.GetDuration("read-timeout"),
		MinDimension: v.GetInt("min-size"),
		MaxBytes:     v.GetInt("max-bytes"),
	})

	d := notify.New(notify.Options{Buffer: v.GetInt("buffer")})
	defer d.Close()
	e := monitor.New(acc, d, monitor.Options{Interval: v.GetDuration("interval")})
	defer e.Close()
	d.Subscribe("log", notify.LogHandlers())

	addr := v.GetString("addr")
	token := v.GetString("token")
	if err := checkExposure(addr, token, v.GetBool("tls")); err != nil {
		return err
	}
	slog.Info("shotpipe daemon starting",
		"version", Version,
		"backend", acc.Name(),
		"interval", v.GetDuration("interval"),
		"addr", addr,
		"auth", token != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The local socket is owner-only, so it skips token auth.
	sockPath := ipc.SocketPath()
	ipcLn, err := ipc.Listen(sockPath)
	if err != nil {
		return err
	}
	ipcSrv := newGRPCServer(rpc.NewService(e, d, ""))
	go serveGRPC(ipcSrv, ipcLn, "ipc")
	defer ipcSrv.Stop()
	slog.Info("IPC socket listening", "path", sockPath)

	if addr != "" {
		tlsToken := ""
		if v.GetBool("tls") {
			tlsToken = token
		}
		tcp, err := listenTCP(addr, tlsToken, rpc.NewService(e, d, token), d)
		if err != nil {
			return err
		}
		defer tcp.close()
	}

	if v.GetBool("autostart") {
		// A start failure leaves the daemon up and stopped; "shotpipe start" retries.
		if err := e.Start(); err != nil {
			slog.Warn("autostart failed", "err", err)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func newGRPCServer(svc *rpc.Service) *grpc.Server {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgBytes),
		grpc.MaxSendMsgSize(maxMsgBytes),
	)
	rpc.Register(srv, svc)
	return srv
}

func serveGRPC(srv *grpc.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		slog.Error("grpc server exited", "listener", name, "err", err)
	}
}

// shutdownGrace bounds how long open HTTP requests get on shutdown. Event
// streams never finish on their own, so they are cut after it.
const shutdownGrace = 2 * time.Second
