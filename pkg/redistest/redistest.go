// Package redistest runs an ephemeral Redis server for unit tests.
package redistest

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/nqueue/pkg/exectest"
)

// Redis is a Redis server and client for use in end-to-end unit tests.
type Redis struct {
	Cmd    *exec.Cmd
	Client *redis.Client

	bg      *exectest.Background
	tempDir string
}

// Supported reports whether redis-server is on the PATH.
func Supported() bool {
	_, err := exec.LookPath("redis-server")
	return err == nil
}

// NewRedis starts an ephemeral Redis server and returns a client.
// The test is skipped if no Redis server is installed.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if !Supported() {
		t.Skip("redis-server not installed")
	}
	dir, err := ioutil.TempDir("", "redistest-")
	if err != nil {
		t.Fatal("failed to get temp dir:", err)
	}
	socket := filepath.Join(dir, "redis.sock")
	redisCmd := exec.CommandContext(ctx, "redis-server",
		"--port", "0",
		"--save", "",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--loglevel", "verbose")
	redisCmd.Dir = dir
	bg := exectest.NewBackground(t, redisCmd)
	bg.Name = "redis"
	bg.LogStdout = true
	bg.LogStderr = true
	bg.Start()
	client := redis.NewClient(&redis.Options{
		Network: "unix",
		Addr:    socket,
	})
	err = bg.WaitReady(30, 100*time.Millisecond, func() error {
		err := client.Ping(ctx).Err()
		if errors.Is(err, redis.ErrClosed) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", exectest.ErrNotReady, err)
		}
		return err
	})
	if err != nil {
		bg.Close()
		_ = os.RemoveAll(dir)
		t.Fatal("Failed to start Redis:", err)
	}
	t.Log("redistest: Redis is up")
	return &Redis{
		Cmd:     redisCmd,
		Client:  client,
		bg:      bg,
		tempDir: dir,
	}
}

// Close shuts down the server and client.
func (r *Redis) Close(t testing.TB) {
	t.Log("redistest: Removing", r.tempDir)
	_ = r.Client.Close()
	r.bg.Close()
	_ = os.RemoveAll(r.tempDir)
}
