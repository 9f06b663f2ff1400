package version

import "runtime/debug"

// Version is overridden at release time via -ldflags.
var Version = ""

// Get returns the release version, falling back to the module build info
// for development builds.
func Get() string {
	if Version != "" {
		return Version
	}

	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}
