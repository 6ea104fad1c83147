package config

import (
	"fmt"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Target.Addr) == "" {
		return nil, fmt.Errorf("target.addr must not be empty")
	}
	if cfg.Target.DialTimeout <= 0 {
		return nil, fmt.Errorf("target.dial_timeout must be > 0")
	}
	if cfg.Target.ReadTimeout < 0 {
		return nil, fmt.Errorf("target.read_timeout must be >= 0")
	}
	if cfg.Target.ReadTimeout == 0 {
		warnings = append(warnings, Warning{Key: "target.read_timeout", Message: "target.read_timeout is 0; reads may block indefinitely"})
	}

	if cfg.Attack.M0 == cfg.Attack.M1 {
		return nil, fmt.Errorf("attack.m0 and attack.m1 must differ")
	}
	if cfg.Attack.Squarings < 0 {
		return nil, fmt.Errorf("attack.squarings must be >= 0")
	}
	if cfg.Attack.Probes <= 0 || cfg.Attack.Probes > 64 {
		return nil, fmt.Errorf("attack.probes must be in 1..64")
	}
	if cfg.Attack.Threshold < 0 || cfg.Attack.Threshold >= cfg.Attack.Probes {
		return nil, fmt.Errorf("attack.threshold must be in 0..%d", cfg.Attack.Probes-1)
	}

	mode := cfg.Session.UnknownMessages
	if mode != UnknownMessagesIgnore && mode != UnknownMessagesFail {
		return nil, fmt.Errorf("session.unknown_messages must be one of: ignore, fail")
	}

	if strings.TrimSpace(cfg.Oracle.Listen) == "" {
		return nil, fmt.Errorf("oracle.listen must not be empty")
	}
	if cfg.Oracle.Rounds <= 0 {
		return nil, fmt.Errorf("oracle.rounds must be > 0")
	}
	if strings.TrimSpace(cfg.Oracle.Flag) == "" {
		return nil, fmt.Errorf("oracle.flag must not be empty")
	}
	if cfg.Oracle.LogN < 10 || cfg.Oracle.LogN > 16 {
		return nil, fmt.Errorf("oracle.log_n must be in 10..16")
	}
	if len(cfg.Oracle.LogQ) == 0 {
		return nil, fmt.Errorf("oracle.log_q must list at least one modulus")
	}
	if len(cfg.Oracle.LogP) == 0 {
		return nil, fmt.Errorf("oracle.log_p must list at least one modulus")
	}
	if cfg.Oracle.LogDefaultScale <= 0 {
		return nil, fmt.Errorf("oracle.log_default_scale must be > 0")
	}
	if len(cfg.Oracle.LogQ) < cfg.Attack.Squarings+1 {
		warnings = append(warnings, Warning{Key: "oracle.log_q", Message: fmt.Sprintf(
			"oracle.log_q has %d moduli; the local oracle cannot evaluate %d squarings",
			len(cfg.Oracle.LogQ), cfg.Attack.Squarings,
		)})
	}

	return warnings, nil
}
