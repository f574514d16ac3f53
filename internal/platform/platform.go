// Package platform classifies the host operating system into the families that
// select command syntax elsewhere in subproc.
package platform

import (
	"os"
	"runtime"
	"strings"
)

// EnvOSName overrides the detected OS name when set.
const EnvOSName = "SUBPROC_OS_NAME"

// Platform identifies an operating system family.
type Platform string

const (
	Windows Platform = "windows"
	Mac     Platform = "mac"
	Unix    Platform = "unix"
	Solaris Platform = "solaris"
	Unknown Platform = "unknown"
)

// Classify maps a lowercase OS name such as "mac os x" or "windows 10" onto a
// Platform. Matching is by substring; anything unrecognised is Unknown.
func Classify(name string) Platform {
	switch {
	case strings.Contains(name, "win"):
		return Windows
	case strings.Contains(name, "mac"):
		return Mac
	case strings.Contains(name, "nix"),
		strings.Contains(name, "nux"),
		strings.Contains(name, "aix"):
		return Unix
	case strings.Contains(name, "sunos"):
		return Solaris
	default:
		return Unknown
	}
}

// Detect classifies the hosting environment. The OS name is taken from
// SUBPROC_OS_NAME when present, otherwise from the Go runtime.
func Detect() Platform {
	return Classify(ResolveName(""))
}

// ResolveName returns the OS name used for classification, checking the
// explicit value, then the environment, then the host.
func ResolveName(value string) string {
	if value != "" {
		return strings.ToLower(value)
	}
	if v := os.Getenv(EnvOSName); v != "" {
		return strings.ToLower(v)
	}
	return HostName(runtime.GOOS)
}

// HostName translates a GOOS value into the conventional OS name reported by
// the system, e.g. "darwin" becomes "mac os x".
func HostName(goos string) string {
	switch goos {
	case "darwin":
		return "mac os x"
	case "solaris", "illumos":
		return "sunos"
	default:
		return strings.ToLower(goos)
	}
}

// Supported reports whether subproc knows the command syntax for p.
func (p Platform) Supported() bool {
	return p == Windows || p == Mac || p == Unix
}

func (p Platform) String() string {
	return string(p)
}
