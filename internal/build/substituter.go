package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/aristath/buildloom/internal/store"
)

// Substituter is one binary cache that may hold prebuilt store paths.
// Layout: <dir>/<path> is the artifact and <dir>/<path>.refs is an
// optional newline-separated list of store paths the artifact needs
// present (its reference closure).
type Substituter struct {
	Dir     string
	breaker *gobreaker.CircuitBreaker
}

// SubstituterPool is the ordered list of substituters realisation goals
// probe. Order matters: when several caches hold a path, the earliest one
// wins, which keeps substitution deterministic.
type SubstituterPool struct {
	subs  []*Substituter
	retry RetryConfig
}

// NewSubstituterPool builds a pool from cache directories.
func NewSubstituterPool(dirs []string) *SubstituterPool {
	p := &SubstituterPool{retry: DefaultRetryConfig()}
	for _, dir := range dirs {
		p.subs = append(p.subs, &Substituter{
			Dir:     dir,
			breaker: newSubstituterBreaker(dir),
		})
	}
	return p
}

// Empty reports whether no substituters are configured.
func (p *SubstituterPool) Empty() bool { return len(p.subs) == 0 }

// probeResult is what one substituter reports for one store path.
type probeResult struct {
	found bool
	refs  []store.StorePath
}

// probe checks whether the substituter holds the path, and reads its
// reference list if so. Protected by the substituter's circuit breaker; a
// missing path is an answer, not a failure.
func (s *Substituter) probe(ctx context.Context, p store.StorePath) (probeResult, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		if ctx.Err() != nil {
			return probeResult{}, ctx.Err()
		}
		if _, err := os.Stat(filepath.Join(s.Dir, string(p))); err != nil {
			if os.IsNotExist(err) {
				return probeResult{}, nil
			}
			return probeResult{}, err
		}
		refs, err := readRefs(filepath.Join(s.Dir, string(p)+".refs"))
		if err != nil {
			return probeResult{}, err
		}
		return probeResult{found: true, refs: refs}, nil
	})
	if err != nil {
		return probeResult{}, err
	}
	return res.(probeResult), nil
}

// readRefs parses a .refs file; a missing file means no references.
func readRefs(path string) ([]store.StorePath, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var refs []store.StorePath
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			refs = append(refs, store.StorePath(line))
		}
	}
	return refs, nil
}
