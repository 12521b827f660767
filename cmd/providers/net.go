package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ListenUnix listens on a unix socket, replacing a stale socket file left by a crashed process.
func ListenUnix(path string) (net.Listener, error) {
	stat, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	case stat.Mode()&os.ModeSocket == 0:
		return nil, fmt.Errorf("existing file is not a socket: %s", path)
	default:
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	sock, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	// Remove the socket file again once closed.
	sock.(*net.UnixListener).SetUnlinkOnClose(true)
	return sock, nil
}

// Listen opens a "tcp" or "unix" listener.
func Listen(network, address string) (net.Listener, error) {
	if network == "unix" {
		return ListenUnix(address)
	}
	return net.Listen(network, address)
}

// MustListen wraps Listen, and calls log.Fatal() if listening fails.
func MustListen(log *zap.Logger, network, address string) net.Listener {
	fields := []zap.Field{
		zap.String("listen.net", network),
		zap.String("listen.addr", address),
	}
	sock, err := Listen(network, address)
	if err != nil {
		log.Fatal("Failed to listen", append(fields, zap.Error(err))...)
		return nil
	}
	log.Info("Listening", fields...)
	return sock
}

// Server is implemented by *http.Server.
type Server interface {
	Serve(sock net.Listener) error
	Shutdown(ctx context.Context) error
}

// LifecycleServe serves on sock while the fx app is running.
// Stopping the app shuts the server down gracefully.
func LifecycleServe(log *zap.Logger, lc fx.Lifecycle, sock net.Listener, server Server) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				err := server.Serve(sock)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("Server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping server", zap.String("listen.addr", sock.Addr().String()))
			return server.Shutdown(ctx)
		},
	})
}
