package uthread

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version information for the thread runtime.
const (
	// Version is the current version of the runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Scheduler names the dispatch policy.
	Scheduler string

	// Preemption describes how time slices end.
	Preemption string
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := uthread.GetInfo()
//	fmt.Printf("greenthreads %s (%s)\n", info.Version, info.Scheduler)
func GetInfo() Info {
	return Info{
		Version:    Version,
		Scheduler:  "round-robin",
		Preemption: "timer, delivered at safe points",
	}
}

// CompatibleWith reports whether this runtime satisfies a caller that needs
// version want ("1.2.0" or "v1.2.0"): same major version, not older.
// Major version 0 is only compatible within the same minor version.
func CompatibleWith(want string) (bool, error) {
	w := canonical(want)
	if !semver.IsValid(w) {
		return false, fmt.Errorf("invalid version %q", want)
	}
	have := canonical(Version)
	if semver.Major(w) != semver.Major(have) {
		return false, nil
	}
	if semver.Major(have) == "v0" && semver.MajorMinor(w) != semver.MajorMinor(have) {
		return false, nil
	}
	return semver.Compare(have, w) >= 0, nil
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}
