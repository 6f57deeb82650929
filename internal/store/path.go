package store

import (
	"fmt"
	"slices"
	"strings"
)

// StorePath names one immutable artifact in the local store. It is always
// a bare file name relative to the store directory, never an absolute path.
type StorePath string

func (p StorePath) String() string { return string(p) }

// OutputPath returns the store path holding the given output of a unit.
func OutputPath(unit, output string) StorePath {
	return StorePath(unit + "-" + output)
}

// OutputsSpec selects which outputs of a unit a request wants: either all
// of them, or an explicit set of names.
type OutputsSpec struct {
	All   bool
	Names []string
}

// Normalize returns a canonical copy: names sorted and deduplicated, and
// cleared entirely when All is set. Two requests that mean the same thing
// normalize to the same value.
func (s OutputsSpec) Normalize() OutputsSpec {
	if s.All {
		return OutputsSpec{All: true}
	}
	names := slices.Clone(s.Names)
	slices.Sort(names)
	names = slices.Compact(names)
	return OutputsSpec{Names: names}
}

// Union widens the spec to cover everything either spec covers.
func (s OutputsSpec) Union(other OutputsSpec) OutputsSpec {
	if s.All || other.All {
		return OutputsSpec{All: true}
	}
	return OutputsSpec{Names: append(slices.Clone(s.Names), other.Names...)}.Normalize()
}

// DerivedPath identifies what a caller wants realised: either a store path
// directly (opaque), or named outputs of a buildable unit. Multiple
// distinct DerivedPaths may resolve to the same goal; the goal's result is
// later narrowed back down per request.
type DerivedPath struct {
	// Path is set for opaque requests.
	Path StorePath

	// Unit and Outputs are set for built requests.
	Unit    string
	Outputs OutputsSpec
}

// Opaque reports whether the request names a store path directly rather
// than outputs of a unit.
func (d DerivedPath) Opaque() bool { return d.Unit == "" }

// ParseDerivedPath parses the textual request syntax:
//
//	libfoo-out        opaque store path
//	libfoo!*          all outputs of unit libfoo
//	libfoo!out,dev    named outputs of unit libfoo
func ParseDerivedPath(s string) (DerivedPath, error) {
	if s == "" {
		return DerivedPath{}, fmt.Errorf("empty derived path")
	}
	unit, spec, ok := strings.Cut(s, "!")
	if !ok {
		return DerivedPath{Path: StorePath(s)}, nil
	}
	if unit == "" {
		return DerivedPath{}, fmt.Errorf("derived path %q has no unit name", s)
	}
	if spec == "*" {
		return DerivedPath{Unit: unit, Outputs: OutputsSpec{All: true}}, nil
	}
	if spec == "" {
		return DerivedPath{}, fmt.Errorf("derived path %q has no outputs", s)
	}
	names := strings.Split(spec, ",")
	for _, n := range names {
		if n == "" {
			return DerivedPath{}, fmt.Errorf("derived path %q has an empty output name", s)
		}
	}
	return DerivedPath{Unit: unit, Outputs: OutputsSpec{Names: names}.Normalize()}, nil
}

// String renders the canonical textual form of the request.
func (d DerivedPath) String() string {
	if d.Opaque() {
		return string(d.Path)
	}
	spec := d.Outputs.Normalize()
	if spec.All {
		return d.Unit + "!*"
	}
	return d.Unit + "!" + strings.Join(spec.Names, ",")
}
