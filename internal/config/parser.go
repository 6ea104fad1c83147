package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Target  *fileTarget  `yaml:"target"`
	Attack  *fileAttack  `yaml:"attack"`
	Session *fileSession `yaml:"session"`
	Oracle  *fileOracle  `yaml:"oracle"`
}

type fileTarget struct {
	Addr        *string        `yaml:"addr"`
	DialTimeout *duration `yaml:"dial_timeout"`
	ReadTimeout *duration `yaml:"read_timeout"`
}

type fileAttack struct {
	M0        *float64 `yaml:"m0"`
	M1        *float64 `yaml:"m1"`
	Squarings *int     `yaml:"squarings"`
	Probes    *int     `yaml:"probes"`
	Threshold *int     `yaml:"threshold"`
}

type fileSession struct {
	UnknownMessages *string `yaml:"unknown_messages"`
}

type fileOracle struct {
	Listen          *string `yaml:"listen"`
	Rounds          *int    `yaml:"rounds"`
	Flag            *string `yaml:"flag"`
	LogN            *int    `yaml:"log_n"`
	LogQ            []int   `yaml:"log_q"`
	LogP            []int   `yaml:"log_p"`
	LogDefaultScale *int    `yaml:"log_default_scale"`
}

// Parse overlays YAML content onto base and validates the result.
//
// Keys absent from content keep their base value; unknown keys are errors.
func Parse(content string, base Config) (Config, []Warning, error) {
	cfg := base
	cfg.Oracle.LogQ = append([]int(nil), base.Oracle.LogQ...)
	cfg.Oracle.LogP = append([]int(nil), base.Oracle.LogP...)

	if strings.TrimSpace(content) != "" {
		var file fileConfig
		dec := yaml.NewDecoder(strings.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, nil, err
		}
		file.apply(&cfg)
	}

	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(content), &root); err == nil {
		for i := range warnings {
			warnings[i].Line = keyLine(&root, warnings[i].Key)
		}
	}
	return cfg, warnings, nil
}

// duration accepts Go duration strings ("30s", "1m") and a bare 0.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		if n != 0 {
			return fmt.Errorf("line %d: duration %s needs a unit (for example %ds)", value.Line, value.Value, n)
		}
		*d = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = duration(parsed)
	return nil
}

// keyLine returns the source line of a dotted key such as "target.read_timeout", or 0.
func keyLine(root *yaml.Node, key string) int {
	if key == "" {
		return 0
	}
	node := root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}

	line := 0
	for _, part := range strings.Split(key, ".") {
		if node.Kind != yaml.MappingNode {
			return 0
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part {
				line = node.Content[i].Line
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return 0
		}
		node = next
	}
	return line
}

func (f fileConfig) apply(cfg *Config) {
	if t := f.Target; t != nil {
		setIf(&cfg.Target.Addr, t.Addr)
		setDuration(&cfg.Target.DialTimeout, t.DialTimeout)
		setDuration(&cfg.Target.ReadTimeout, t.ReadTimeout)
	}
	if a := f.Attack; a != nil {
		setIf(&cfg.Attack.M0, a.M0)
		setIf(&cfg.Attack.M1, a.M1)
		setIf(&cfg.Attack.Squarings, a.Squarings)
		setIf(&cfg.Attack.Probes, a.Probes)
		setIf(&cfg.Attack.Threshold, a.Threshold)
	}
	if s := f.Session; s != nil && s.UnknownMessages != nil {
		cfg.Session.UnknownMessages = strings.ToLower(strings.TrimSpace(*s.UnknownMessages))
	}
	if o := f.Oracle; o != nil {
		setIf(&cfg.Oracle.Listen, o.Listen)
		setIf(&cfg.Oracle.Rounds, o.Rounds)
		setIf(&cfg.Oracle.Flag, o.Flag)
		setIf(&cfg.Oracle.LogN, o.LogN)
		setIf(&cfg.Oracle.LogDefaultScale, o.LogDefaultScale)
		if o.LogQ != nil {
			cfg.Oracle.LogQ = o.LogQ
		}
		if o.LogP != nil {
			cfg.Oracle.LogP = o.LogP
		}
	}
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
