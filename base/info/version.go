// Package info holds the build and version information of the binary.
package info

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	name    = "Portgate"
	version = "dev build"

	// Set via ldflags.
	buildTime = "unknown"

	info     *Info
	loadInfo sync.Once
)

// Info holds the build information.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`

	Commit     string `json:"commit"`
	CommitTime string `json:"commitTime"`
	Dirty      bool   `json:"dirty"`
}

// Set sets the program name and version. Call it first thing in main.
func Set(setName, setVersion string) {
	if setName != "" {
		name = setName
	}
	if setVersion != "" {
		version = strings.TrimPrefix(setVersion, "v")
	}
}

// GetInfo returns the build information.
func GetInfo() *Info {
	loadInfo.Do(func() {
		settings := make(map[string]string)
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range buildInfo.Settings {
				settings[setting.Key] = setting.Value
			}
		}

		info = &Info{
			Name:       name,
			Version:    version,
			BuildTime:  buildTime,
			GoVersion:  runtime.Version(),
			Commit:     settings["vcs.revision"],
			CommitTime: settings["vcs.time"],
			Dirty:      settings["vcs.modified"] == "true",
		}
		if info.Commit == "" {
			info.Commit = "unknown"
		}
		if info.CommitTime == "" {
			info.CommitTime = "unknown"
		}
	})

	return info
}

// Version returns the version.
func Version() string {
	return version
}

// FullVersion returns the version with build details.
func FullVersion() string {
	info := GetInfo()
	builder := new(strings.Builder)

	builder.WriteString(fmt.Sprintf("%s %s\n", info.Name, info.Version))
	builder.WriteString(fmt.Sprintf("\nbuilt with %s for %s/%s\n", info.GoVersion, runtime.GOOS, runtime.GOARCH))
	builder.WriteString(fmt.Sprintf("  at %s\n", info.BuildTime))

	dirtyInfo := "clean"
	if info.Dirty {
		dirtyInfo = "dirty"
	}
	builder.WriteString(fmt.Sprintf("\ncommit %s (%s)\n", info.Commit, dirtyInfo))
	builder.WriteString(fmt.Sprintf("  at %s\n", info.CommitTime))

	return builder.String()
}
