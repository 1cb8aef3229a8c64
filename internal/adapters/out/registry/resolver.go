// Package registry resolves image references against their registry using
// the Docker distribution API.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/distribution/reference"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

var _ out.ImageResolver = (*Resolver)(nil)

// distributionClient is the slice of the Docker client the resolver needs.
type distributionClient interface {
	DistributionInspect(ctx context.Context, image, encodedRegistryAuth string) (registrytypes.DistributionInspect, error)
}

// Resolver pins tags to digests and reads manifest-list platforms.
type Resolver struct {
	client distributionClient
}

// New creates a resolver backed by the ambient Docker daemon connection.
func New() (*Resolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Resolver{client: cli}, nil
}

// NewWithClient creates a resolver with a custom client (for testing).
func NewWithClient(cli distributionClient) *Resolver {
	return &Resolver{client: cli}
}

// Resolve normalizes ref, fetches its manifest descriptor, and returns the
// digest-pinned pull spec plus the platform architectures it covers.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*out.ResolvedImage, error) {
	named, err := reference.ParseNormalizedNamed(strings.ToLower(strings.TrimSpace(ref)))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidReference, ref, err)
	}

	inspect, err := r.client.DistributionInspect(ctx, named.String(), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUnresolvable, ref, err)
	}

	digested, err := reference.WithDigest(reference.TrimNamed(named), inspect.Descriptor.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUnresolvable, ref, err)
	}

	arches := make([]string, 0, len(inspect.Platforms))
	for _, p := range inspect.Platforms {
		// Attestation manifests report unknown/unknown; they are not
		// buildable platforms.
		if p.Architecture == "" || p.Architecture == "unknown" {
			continue
		}
		arches = append(arches, p.Architecture)
	}

	resolved := &out.ResolvedImage{
		Digest:        digested.String(),
		Architectures: domain.NormalizeArches(arches),
	}
	log.Debug().
		Str("reference", ref).
		Str("digest", resolved.Digest).
		Strs("architectures", resolved.Architectures).
		Msg("Resolved image reference")
	return resolved, nil
}
