// Package version reports build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const ckksModule = "github.com/tuneinsight/lattigo/v6"

// String renders the line printed by `noiseprobe version`, including the linked CKKS library.
func String() string {
	return fmt.Sprintf("noiseprobe %s (commit=%s, date=%s, go=%s, lattigo=%s)",
		Version, Commit, Date, runtime.Version(), dependencyVersion(ckksModule))
}

func dependencyVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path != path {
			continue
		}
		if dep.Replace != nil && dep.Replace.Version != "" {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return "unknown"
}
