package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, `
http:
  addr: "127.0.0.1:0"
  auth:
    - token: "tok"
      user_id: "u1"
logging:
  level: "ERROR"
  console: false
store:
  path: "`+filepath.Join(dir, "app.db")+`"
queue:
  workers: 1
`)

	a, err := New(cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}

func TestAppNewReleasesStoreOnLaterFailure(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")

	// Validation only checks notify durations when the section is enabled,
	// so this bad retry_base is first seen by the constructor, after the
	// store is already open.
	cfgPath := writeConfig(t, `
http:
  addr: "127.0.0.1:0"
  auth:
    - token: "tok"
      user_id: "u1"
logging:
  level: "ERROR"
  console: false
store:
  path: "`+dbPath+`"
queue:
  workers: 1
notify:
  enabled: false
  retry_base: "not-a-duration"
`)

	_, err := New(cfgPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "notify.retry_base")

	// The failed constructor must not keep the database handle.
	st, err := store.Open(store.Config{Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestAppRejectsBadConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
http:
  addr: "127.0.0.1:0"
logging:
  level: "INFO"
store:
  path: ""
queue: {}
`)
	_, err := New(cfgPath)
	require.Error(t, err, "missing store path is a startup error")
}
