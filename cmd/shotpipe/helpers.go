package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.klb.dev/shotpipe/internal/ipc"
	"go.klb.dev/shotpipe/internal/rpc"
	"go.klb.dev/shotpipe/internal/tlsconf"
)

const defaultCallTimeout = 5 * time.Second

// maxMsgBytes bounds gRPC messages in both directions. Watch events carry the
// PNG base64-encoded, so it leaves headroom over gateway.MaxUploadBytes.
const maxMsgBytes = 96 << 20

// rpcClient is an rpc.Client bound to the connection it owns.
type rpcClient struct {
	*rpc.Client
	conn      *grpc.ClientConn
	transport string
}

func (c *rpcClient) Close() error { return c.conn.Close() }

// dial connects to the daemon: over TCP when --server is set, otherwise over
// the local socket. The socket needs no token; it is owner-only.
func dial(v *viper.Viper) (*rpcClient, error) {
	var (
		target    string
		transport string
		opts      = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgBytes), grpc.MaxCallSendMsgSize(maxMsgBytes)),
		}
	)
	if server := v.GetString("server"); server != "" {
		target = server
		transport = fmt.Sprintf("tcp (%s)", server)
		if token := v.GetString("token"); token != "" {
			if v.GetBool("tls") {
				creds, err := tlsconf.ClientCredentials(token)
				if err != nil {
					return nil, err
				}
				opts[0] = grpc.WithTransportCredentials(creds)
				transport = fmt.Sprintf("tcp+tls (%s)", server)
			}
			opts = append(opts, grpc.WithPerRPCCredentials(&clientCreds{token: token}))
		}
	} else {
		path := ipc.SocketPath()
		if !ipc.IsRunning(path) {
			return nil, fmt.Errorf("no shotpipe daemon on %s (run \"shotpipe daemon\" or pass --server)", path)
		}
		target = ipc.Target(path)
		transport = fmt.Sprintf("ipc (%s)", path)
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &rpcClient{Client: rpc.NewClient(conn), conn: conn, transport: transport}, nil
}

// callContext returns a context bounded by --timeout.
func callContext(v *viper.Viper) (context.Context, context.CancelFunc) {
	d := v.GetDuration("timeout")
	if d <= 0 {
		d = defaultCallTimeout
	}
	return context.WithTimeout(context.Background(), d)
}

type clientCreds struct {
	token string
}

func (c *clientCreds) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.token}, nil
}

func (c *clientCreds) RequireTransportSecurity() bool { return false }

func onOff(b bool) string {
	if b {
		return "monitoring"
	}
	return "stopped"
}

func fmtAge(t time.Time) string {
	age := time.Since(t).Round(time.Second)
	if age < time.Minute {
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	}
	if age < time.Hour {
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	}
	return t.Format("15:04:05")
}
