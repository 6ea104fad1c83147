// Package config resolves, parses, validates, and defaults noiseprobe configuration.
package config

import "time"

// Config is the fully materialized runtime configuration used by noiseprobe.
type Config struct {
	Target  TargetConfig
	Attack  AttackConfig
	Session SessionConfig
	Oracle  OracleConfig
}

// TargetConfig locates the remote oracle and bounds blocking network calls.
type TargetConfig struct {
	Addr        string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// AttackConfig holds the per-round probing constants.
type AttackConfig struct {
	M0        float64
	M1        float64
	Squarings int
	Probes    int
	Threshold int
}

// SessionConfig controls how the session loop treats unexpected server lines.
type SessionConfig struct {
	UnknownMessages string
}

// OracleConfig controls the local CKKS oracle started by `serve`.
type OracleConfig struct {
	Listen          string
	Rounds          int
	Flag            string
	LogN            int
	LogQ            []int
	LogP            []int
	LogDefaultScale int
}

const (
	UnknownMessagesIgnore = "ignore"
	UnknownMessagesFail   = "fail"
)

// Warning is a non-fatal parse/validation message.
//
// Key names the offending setting; Line is its position in the config file, or 0.
type Warning struct {
	Key     string
	Line    int
	Message string
}
