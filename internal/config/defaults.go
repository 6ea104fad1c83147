package config

import "time"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Target: TargetConfig{
			Addr:        "127.0.0.1:24180",
			DialTimeout: 5 * time.Second,
			ReadTimeout: 30 * time.Second,
		},
		Attack: AttackConfig{
			M0:        0.0,
			M1:        100.0,
			Squarings: 2,
			Probes:    40,
			Threshold: 8,
		},
		Session: SessionConfig{
			UnknownMessages: UnknownMessagesIgnore,
		},
		Oracle: OracleConfig{
			Listen:          "127.0.0.1:24180",
			Rounds:          10,
			Flag:            "FLAG{noise_is_a_side_channel}",
			LogN:            13,
			LogQ:            []int{60, 30, 30},
			LogP:            []int{61},
			LogDefaultScale: 30,
		},
	}
}
