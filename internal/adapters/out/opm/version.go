package opm

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/bindery-io/bindery/internal/domain"
)

// versionPattern extracts the semantic version from `opm version` output,
// e.g. `Version: version.Version{OpmVersion:"v1.26.4", ...}`.
var versionPattern = regexp.MustCompile(`OpmVersion:"v?([0-9]+\.[0-9]+\.[0-9]+[^"]*)"`)

// ensureMergeSupported verifies the installed opm is recent enough for
// index merging. The detected version is cached after the first check.
func (b *Builder) ensureMergeSupported(ctx context.Context) error {
	b.versionOnce.Do(func() {
		b.opmVersion, b.versionErr = b.detectOpmVersion(ctx)
	})
	if b.versionErr != nil {
		return b.versionErr
	}

	minimum, err := semver.NewVersion(b.cfg.MinOpmVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum opm version %q: %w", b.cfg.MinOpmVersion, err)
	}
	if b.opmVersion.LessThan(minimum) {
		return fmt.Errorf("%w: merging requires opm %s or newer, found %s",
			domain.ErrOpmTooOld, minimum, b.opmVersion)
	}
	return nil
}

func (b *Builder) detectOpmVersion(ctx context.Context) (*semver.Version, error) {
	output, err := exec.CommandContext(ctx, b.cfg.OpmPath, "version").CombinedOutput() // #nosec G204 -- binary path comes from config
	if err != nil {
		return nil, fmt.Errorf("running %s version: %w", b.cfg.OpmPath, err)
	}
	return parseOpmVersion(string(output))
}

func parseOpmVersion(output string) (*semver.Version, error) {
	m := versionPattern.FindStringSubmatch(output)
	if m == nil {
		return nil, fmt.Errorf("no version found in opm output %q", output)
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil, fmt.Errorf("parsing opm version %q: %w", m[1], err)
	}
	return v, nil
}
