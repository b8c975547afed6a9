// Package buildinfo carries version metadata set at link time:
//
//	go build -ldflags "-X reliefdispatch/internal/buildinfo.Version=v1.2.0 -X reliefdispatch/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns build metadata. Commit falls back to the VCS revision stamped by the toolchain.
func Info() map[string]string {
	commit := Commit
	if commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	return map[string]string{
		"version":   Version,
		"commit":    commit,
		"builtAt":   BuiltAt,
		"goVersion": runtime.Version(),
	}
}
