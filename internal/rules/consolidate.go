package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
)

const (
	fragmentSuffix = ".rules"
	lockFileName   = ".canonical.lock"
)

// CanonicalFileName returns the output filename for a family.
func CanonicalFileName(family Family) string {
	return fmt.Sprintf("canonical_%s%s", family, fragmentSuffix)
}

// Consolidator merges the fragments in a rules directory into the
// canonical rule set per family.
type Consolidator struct {
	dir    string
	clk    clock.Clock
	logger *logging.Logger
}

// NewConsolidator creates a consolidator over the given rules directory.
func NewConsolidator(dir string, clk clock.Clock, logger *logging.Logger) *Consolidator {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Consolidator{dir: dir, clk: clk, logger: logger.WithComponent("rules")}
}

// Result reports one consolidation pass for one family.
type Result struct {
	Family  Family
	Changed bool
	Hash    string
	Rules   int
	Diff    string // unified diff vs. the previous canonical file, if requested
}

// Options tune a consolidation pass.
type Options struct {
	WantDiff bool
}

// Run consolidates one family. It is idempotent: an unchanged fragment set
// produces an identical hash and leaves the canonical file untouched, so
// callers can skip the packet-filter reload.
func (c *Consolidator) Run(ctx context.Context, family Family, opts Options) (*Result, error) {
	res, err := c.run(ctx, family, opts)
	switch {
	case err != nil:
		metrics.Get().ConsolidateRuns.WithLabelValues(string(family), "error").Inc()
	case res.Changed:
		metrics.Get().ConsolidateRuns.WithLabelValues(string(family), "changed").Inc()
		metrics.Get().CanonicalRuleCount.WithLabelValues(string(family)).Set(float64(res.Rules))
	default:
		metrics.Get().ConsolidateRuns.WithLabelValues(string(family), "unchanged").Inc()
	}
	return res, err
}

func (c *Consolidator) run(ctx context.Context, family Family, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fragments, err := c.loadFragments(family)
	if err != nil {
		return nil, err
	}

	merged := merge(fragments, family)

	canonicalPath := filepath.Join(c.dir, CanonicalFileName(family))
	prevBody, prevHash, prevCount, err := readCanonical(canonicalPath)
	if err != nil {
		return nil, err
	}

	// Fail closed: never replace a working rule set with an empty one.
	// An empty merge against an empty history is a legitimate fresh start.
	if len(merged) == 0 && prevCount > 0 {
		return nil, &errdefs.FatalConfigError{
			Detail: fmt.Sprintf("consolidation for %s produced no rules where %d existed; previous rule set retained", family, prevCount),
		}
	}

	hash := hashLines(merged)
	if hash == prevHash {
		c.logger.Debug("rule set unchanged", "family", family, "hash", hash)
		return &Result{Family: family, Changed: false, Hash: hash, Rules: len(merged)}, nil
	}

	runID := uuid.NewString()
	body := c.render(family, merged, hash, runID)

	unlock, err := lockDir(filepath.Join(c.dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("acquire rules lock: %w", err)
	}
	defer unlock()

	if err := writeAtomic(canonicalPath, []byte(body)); err != nil {
		return nil, fmt.Errorf("write canonical %s: %w", family, err)
	}

	res := &Result{Family: family, Changed: true, Hash: hash, Rules: len(merged)}
	if opts.WantDiff {
		res.Diff, _ = difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(prevBody),
			B:        difflib.SplitLines(body),
			FromFile: CanonicalFileName(family) + " (previous)",
			ToFile:   CanonicalFileName(family),
			Context:  3,
		})
	}

	c.logger.Info("canonical rule set regenerated",
		"family", family, "rules", len(merged), "hash", hash, "run", runID)
	return res, nil
}

// loadFragments reads every enabled fragment in class order, filenames
// sorted within a class so merge order is deterministic.
func (c *Consolidator) loadFragments(family Family) ([]*Fragment, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fragmentSuffix) {
			continue
		}
		if strings.HasPrefix(name, "canonical_") {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := ClassOfFragment(names[i]), ClassOfFragment(names[j])
		if ci != cj {
			return ci < cj
		}
		return names[i] < names[j]
	})

	fragments := make([]*Fragment, 0, len(names))
	for _, name := range names {
		frag, err := LoadFragment(filepath.Join(c.dir, name))
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)
	}
	return fragments, nil
}

// merge streams fragment lines in order, dropping any rule whose normalized
// tuple was already emitted. First match wins, matching the packet filter.
func merge(fragments []*Fragment, family Family) []RuleLine {
	seen := make(map[string]struct{})
	var out []RuleLine
	for _, frag := range fragments {
		for _, line := range frag.Lines {
			if line.Family != family {
				continue
			}
			key := line.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, line)
		}
	}
	return out
}

func hashLines(lines []RuleLine) string {
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l.Key()))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Consolidator) render(family Family, lines []RuleLine, hash, runID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# canonical rule set (%s) -- machine generated, do not edit\n", family)
	fmt.Fprintf(&b, "# hash: sha256:%s\n", hash)
	fmt.Fprintf(&b, "# generated: %s\n", c.clk.Now().UTC().Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "# run: %s\n", runID)
	for _, l := range lines {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// readCanonical returns the previous file body, its recorded hash, and its
// rule count. A missing file is an empty history.
func readCanonical(path string) (body, hash string, count int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", 0, nil
		}
		return "", "", 0, err
	}
	body = string(data)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "# hash: sha256:"); ok {
			hash = strings.TrimSpace(after)
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		count++
	}
	return body, hash, count, nil
}

// writeAtomic writes data via a temp file in the same directory plus
// rename, so a crash never leaves a torn canonical file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".canonical-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
