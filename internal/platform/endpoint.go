// Package platform maps logical channel names onto OS-specific addressing.
package platform

import "runtime"

// UnixSocketPrefix is the conventional temp-socket prefix used by agents on
// unix-like systems. Agents dial these paths directly, so the prefix is part
// of the wire contract and must not change.
const UnixSocketPrefix = "/tmp/CoreFxPipe_"

const windowsPipePrefix = `\\.\pipe\`

// Endpoint is the resolved addressing for one logical channel name.
type Endpoint struct {
	// ListenName is the address the listening side binds.
	ListenName string
	// DialPath is what a connecting client must use.
	DialPath string
	// HasArtifact reports whether opening the endpoint leaves a filesystem
	// object behind that needs cleanup.
	HasArtifact bool
	// ArtifactPath is the filesystem object's path when HasArtifact is true.
	ArtifactPath string
}

// Resolve maps a logical channel name to its platform addressing. Unknown
// platforms fall back to the logical name verbatim with no artifact.
func Resolve(logical string) Endpoint {
	return resolveFor(runtime.GOOS, logical)
}

func resolveFor(goos, logical string) Endpoint {
	switch goos {
	case "windows":
		// Native kernel pipes: no filesystem artifact, nothing to sweep.
		name := windowsPipePrefix + logical
		return Endpoint{ListenName: name, DialPath: name}
	case "linux", "darwin", "freebsd", "netbsd", "openbsd":
		path := UnixSocketPrefix + logical
		return Endpoint{
			ListenName:   path,
			DialPath:     path,
			HasArtifact:  true,
			ArtifactPath: path,
		}
	default:
		return Endpoint{ListenName: logical, DialPath: logical}
	}
}
