package out

import "context"

// ResolvedImage describes a reference resolved against its registry.
type ResolvedImage struct {
	// Digest is the digest-pinned pull specification (repo@sha256:...).
	Digest string

	// Architectures lists the platforms of a manifest list, or the single
	// platform of a plain manifest.
	Architectures []string
}

// ImageResolver defines the contract for resolving a tag to its current
// digest and platform set. Used to pin inputs at dispatch time and to
// discover the fan-out architectures when a submission omits them.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (*ResolvedImage, error)
}
