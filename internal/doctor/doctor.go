// Package doctor runs readiness diagnostics for config, the oracle target, and CKKS parameters.
package doctor

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/rbright/noiseprobe/internal/config"
	"github.com/rbright/noiseprobe/internal/oracle"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes config, target, and oracle checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	configMessage := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		configMessage = fmt.Sprintf("%q not found; using defaults", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: configMessage})

	checks = append(checks, checkTarget(ctx, cfg.Config.Target))
	checks = append(checks, checkReadTimeout(cfg.Config.Target))
	checks = append(checks, checkOracleParams(cfg.Config.Oracle))

	return Report{Checks: checks}
}

// checkTarget opens and immediately closes a TCP connection to the oracle.
func checkTarget(ctx context.Context, target config.TargetConfig) Check {
	dialer := net.Dialer{Timeout: target.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr)
	if err != nil {
		return Check{Name: "target.addr", Pass: false, Message: fmt.Sprintf("dial %s failed: %v", target.Addr, err)}
	}
	_ = conn.Close()
	return Check{Name: "target.addr", Pass: true, Message: fmt.Sprintf("reachable at %s", target.Addr)}
}

// checkReadTimeout flags configurations that can block forever on a silent peer.
func checkReadTimeout(target config.TargetConfig) Check {
	if target.ReadTimeout <= 0 {
		return Check{Name: "target.read_timeout", Pass: false, Message: "disabled; a silent oracle blocks the client indefinitely"}
	}
	return Check{Name: "target.read_timeout", Pass: true, Message: target.ReadTimeout.String()}
}

// checkOracleParams instantiates the local oracle's CKKS parameters without generating keys.
func checkOracleParams(cfg config.OracleConfig) Check {
	params, err := oracle.NewParameters(oracle.EngineParams{
		LogN:            cfg.LogN,
		LogQ:            cfg.LogQ,
		LogP:            cfg.LogP,
		LogDefaultScale: cfg.LogDefaultScale,
	})
	if err != nil {
		return Check{Name: "oracle.ckks", Pass: false, Message: err.Error()}
	}
	return Check{
		Name:    "oracle.ckks",
		Pass:    true,
		Message: fmt.Sprintf("logN=%d levels=%d logQP=%.1f", params.LogN(), params.MaxLevel(), params.LogQP()),
	}
}
