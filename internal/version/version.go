// Package version describes the running build. Values set with
// -ldflags "-X github.com/openmined/blobsync/internal/version.Version=..."
// win over what the Go toolchain embeds.
package version

import (
	"cmp"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

const AppName = "blobsync"

const devVersion = "0.0.0-dev"

// Set at link time.
var (
	Version   string
	Revision  string
	BuildDate string
)

type Info struct {
	Version   string
	Revision  string
	BuildDate string
	GoVersion string
	Platform  string
}

var current = sync.OnceValue(func() Info {
	linked := Info{Version: Version, Revision: Revision, BuildDate: BuildDate}

	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resolve(linked, "", nil)
	}
	settings := make(map[string]string, len(bi.Settings))
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	return resolve(linked, bi.Main.Version, settings)
})

// resolve fills whatever the linker left empty from module and VCS metadata.
func resolve(linked Info, mainVersion string, settings map[string]string) Info {
	info := linked

	if info.Version == "" && mainVersion != "(devel)" {
		info.Version = strings.TrimPrefix(mainVersion, "v")
	}
	info.Version = cmp.Or(info.Version, devVersion)

	if info.Revision == "" {
		if rev := settings["vcs.revision"]; rev != "" {
			info.Revision = shortRevision(rev)
			if settings["vcs.modified"] == "true" {
				info.Revision += "-dirty"
			}
		}
	}
	info.Revision = cmp.Or(info.Revision, "unknown")

	info.BuildDate = cmp.Or(info.BuildDate, settings["vcs.time"], "unknown")
	info.GoVersion = runtime.Version()
	info.Platform = runtime.GOOS + "/" + runtime.GOARCH
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func Get() Info {
	return current()
}

// Short returns `0.3.0 (5e23a4c1b2d0)`.
func Short() string {
	info := Get()
	return fmt.Sprintf("%s (%s)", info.Version, info.Revision)
}

// ShortWithApp returns `blobsync 0.3.0 (5e23a4c1b2d0)`.
func ShortWithApp() string {
	return AppName + " " + Short()
}

// Detailed returns `0.3.0 (5e23a4c1b2d0; go1.24.1; linux/amd64; 2025-07-12T23:45:00Z)`.
func Detailed() string {
	info := Get()
	return fmt.Sprintf("%s (%s; %s; %s; %s)", info.Version, info.Revision, info.GoVersion, info.Platform, info.BuildDate)
}
