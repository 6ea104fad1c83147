package doctor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbright/noiseprobe/internal/config"
	"github.com/stretchr/testify/require"
)

func TestReportOKAndString(t *testing.T) {
	report := Report{Checks: []Check{
		{Name: "one", Pass: true, Message: "good"},
		{Name: "two", Pass: false, Message: "bad"},
	}}

	require.False(t, report.OK())
	text := report.String()
	require.Contains(t, text, "[OK] one: good")
	require.Contains(t, text, "[FAIL] two: bad")
}

func TestCheckTargetReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	check := checkTarget(context.Background(), config.TargetConfig{Addr: listener.Addr().String(), DialTimeout: time.Second})
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "reachable")
}

func TestCheckTargetUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	check := checkTarget(context.Background(), config.TargetConfig{Addr: addr, DialTimeout: 200 * time.Millisecond})
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "dial")
}

func TestCheckReadTimeout(t *testing.T) {
	require.False(t, checkReadTimeout(config.TargetConfig{}).Pass)
	require.True(t, checkReadTimeout(config.TargetConfig{ReadTimeout: time.Second}).Pass)
}

func TestCheckOracleParams(t *testing.T) {
	check := checkOracleParams(config.Default().Oracle)
	require.True(t, check.Pass, check.Message)
	require.Contains(t, check.Message, "logN=13")

	bad := config.Default().Oracle
	bad.LogN = 2
	require.False(t, checkOracleParams(bad).Pass)
}

func TestRunReportsEveryCheck(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cfg := config.Default()
	cfg.Target.Addr = listener.Addr().String()
	loaded := config.Loaded{Path: filepath.Join(t.TempDir(), "config.yaml"), Config: cfg}

	report := Run(context.Background(), loaded)
	require.True(t, report.OK(), report.String())
	require.Len(t, report.Checks, 4)
	require.Contains(t, report.String(), "not found; using defaults")
}
