package mariadbtest

import (
	"database/sql"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/exectest"
)

// SupportsSubprocess checks if the system supports running MySQL subprocess unit tests.
func SupportsSubprocess() bool {
	_, err := os.Stat("/usr/sbin/mysqld")
	if err != nil {
		return false
	}
	_, err = os.Stat("/usr/bin/mysql_install_db")
	if err != nil {
		return false
	}
	return true
}

// Subprocess runs a local MariaDB server in a temp directory.
type Subprocess struct {
	Dir    string
	BG     *exectest.Background
	config *mysql.Config
}

// Assert Subprocess implements Backend.
var _ Backend = (*Subprocess)(nil)

// NewSubprocess spawns the test MariaDB server in the background.
func NewSubprocess(t testing.TB) *Subprocess {
	// Create temp dir.
	dir, err := ioutil.TempDir("", "mariadbtest-*")
	require.NoError(t, err, "Creating temp dir")
	// Create data dir.
	dataDir := filepath.Join(dir, "data")
	err = os.Mkdir(dataDir, 0750)
	require.NoError(t, err, "Creating data dir")
	// Read current user.
	user := os.Getenv("USER")
	require.NotEmpty(t, user, "Reading $USER")
	// Bootstrap the MySQL data dir.
	installCmd := exec.Command("/usr/bin/mysql_install_db",
		"--user="+user,
		"--datadir="+dataDir,
		"--auth-root-authentication-method=socket",
		"--auth-root-socket-user="+user,
		"--skip-test-db",
		// "--skip-auth-anonymous-user", TODO Not supported in MariaDB 10.3
		"--skip-name-resolve",
		"--force")
	installCmd.Stdout = &exectest.PipeCapture{
		TB:     t,
		Prefix: "mysql_install_db: ",
	}
	installCmd.Stderr = &exectest.PipeCapture{
		TB:     t,
		Prefix: "mysql_install_db (stderr): ",
	}
	err = installCmd.Run()
	require.NoError(t, err, "Running mysql_install_db")
	t.Log("mariadbtest: DB path:", dataDir)
	// Start the MySQL server in the background.
	socketPath := filepath.Join(dir, "mysql.sock")
	cmd := exec.Command("/usr/sbin/mysqld",
		"--no-defaults",
		"--datadir", dataDir,
		"--skip-networking",
		"--socket", socketPath)
	bg := exectest.NewBackground(t, cmd)
	bg.Name = "mysql"
	bg.LogStdout = true
	bg.LogStderr = true
	bg.Start()
	// Formulate client config.
	config := mysql.NewConfig()
	config.Net = "unix"
	config.Addr = socketPath
	config.User = user
	startupClient, err := sql.Open("mysql", config.FormatDSN())
	require.NoError(t, err, "Client for startup probes")
	defer startupClient.Close()
	err = bg.WaitReady(30, 100*time.Millisecond, func() error {
		err := startupClient.Ping()
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", exectest.ErrNotReady, err)
		}
		return err
	})
	if err != nil {
		bg.Close()
		t.Fatal("Failed to start MySQL:", err)
	}
	t.Log("mariadbtest: MySQL is up")
	_, err = startupClient.Exec("CREATE DATABASE nqueue;")
	require.NoError(t, err, "Creating initial database")
	config.DBName = "nqueue"
	return &Subprocess{
		Dir:    dir,
		BG:     bg,
		config: config,
	}
}

// DB opens the specified database.
// An empty string opens the default database.
func (s *Subprocess) DB(name string) (*sql.DB, error) {
	config := *s.config
	if name != "" {
		config.DBName = name
	}
	return sql.Open("mysql", config.FormatDSN())
}

// MySQLConfig returns the base config for connecting to the local MySQL server.
func (s *Subprocess) MySQLConfig() *mysql.Config {
	return s.config
}

// Close kills the subprocess and removes the temp dir.
func (s *Subprocess) Close(t testing.TB) {
	t.Log("mariadbtest: Removing", s.Dir)
	s.BG.Close()
	_ = os.RemoveAll(s.Dir)
}
