package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/distribution/reference"
)

var archPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// CanonicalReference normalizes an image reference into the canonical
// string used for lock keying and deduplication: lower-cased, registry and
// repository fully qualified, and tagged (":latest" when no tag or digest
// is present). Two literal spellings of the same tag always canonicalize
// to the same string.
func CanonicalReference(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	named, err := reference.ParseNormalizedNamed(strings.ToLower(trimmed))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

// ArchReference derives the per-architecture staging reference for a
// canonical base reference, following the manifest-list component tag
// convention (tag suffixed with "-<arch>"). The base must be tagged, not
// digest-pinned.
func ArchReference(canonical, arch string) (string, error) {
	if !archPattern.MatchString(arch) {
		return "", fmt.Errorf("%w: invalid architecture %q", ErrInvalidReference, arch)
	}

	named, err := reference.ParseNormalizedNamed(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidReference, canonical, err)
	}
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return "", fmt.Errorf("%w: %q has no tag to derive a per-architecture reference from", ErrInvalidReference, canonical)
	}

	archTagged, err := reference.WithTag(reference.TrimNamed(named), tagged.Tag()+"-"+arch)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidReference, canonical, err)
	}
	return archTagged.String(), nil
}

// NormalizeArches lower-cases, deduplicates, and sorts an architecture
// list into a stable fan-out order. Empty entries are dropped.
func NormalizeArches(arches []string) []string {
	seen := make(map[string]struct{}, len(arches))
	out := make([]string, 0, len(arches))
	for _, a := range arches {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
