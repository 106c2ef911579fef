// Package version defines the kernel's semantic versioning contract
// and the minimum workflow version check.
package version

import (
	"fmt"
	"regexp"
	"strconv"
)

// KernelVersion is the current kernel version.
const KernelVersion = "0.2.0"

// MinWorkflowVersion is the oldest workflow contract the kernel runs.
const MinWorkflowVersion = "0.1.0"

// Compatibility between two versions.
type Compatibility string

const (
	Compatible   Compatibility = "compatible"
	Deprecated   Compatibility = "deprecated"
	Incompatible Compatibility = "incompatible"
)

var semverRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-(.+))?$`)

// SemVer is a parsed semantic version.
type SemVer struct {
	Major, Minor, Patch int
	Prerelease          string
}

// Parse parses "1.2.3" or "1.2.3-beta.1".
func Parse(s string) (SemVer, error) {
	m := semverRe.FindStringSubmatch(s)
	if m == nil {
		return SemVer{}, fmt.Errorf("invalid version string %q", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return SemVer{Major: major, Minor: minor, Patch: patch, Prerelease: m[4]}, nil
}

// String renders the version.
func (v SemVer) String() string {
	base := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		return base + "-" + v.Prerelease
	}
	return base
}

// Compare returns -1, 0, or 1. Prerelease sorts before release.
func (v SemVer) Compare(o SemVer) int {
	for _, d := range [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		if d[0] != d[1] {
			if d[0] < d[1] {
				return -1
			}
			return 1
		}
	}
	if v.Prerelease == o.Prerelease {
		return 0
	}
	if v.Prerelease != "" && o.Prerelease == "" {
		return -1
	}
	if v.Prerelease == "" && o.Prerelease != "" {
		return 1
	}
	if v.Prerelease < o.Prerelease {
		return -1
	}
	return 1
}

// CheckWorkflow decides whether a workflow declaring min_kernel_version
// may run against this kernel.
func CheckWorkflow(minKernel string) (Compatibility, error) {
	want, err := Parse(minKernel)
	if err != nil {
		return Incompatible, err
	}
	have, err := Parse(KernelVersion)
	if err != nil {
		return Incompatible, err
	}
	if want.Major != have.Major {
		return Incompatible, nil
	}
	if have.Compare(want) < 0 {
		return Incompatible, nil
	}
	if want.Minor < have.Minor {
		return Deprecated, nil
	}
	return Compatible, nil
}
