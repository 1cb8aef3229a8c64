// Package opm drives the external index toolchain: opm generates the
// index Dockerfile, buildah builds and pushes the image. All tool output
// streams into the request log as it is produced.
package opm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/config"
	"github.com/bindery-io/bindery/internal/domain"
)

var _ out.Builder = (*Builder)(nil)

// Builder invokes opm and buildah as subprocesses. A cancelled context
// kills the running tool; user-facing cancellation never reaches here
// because requests stop being cancellable once dispatched.
type Builder struct {
	cfg            config.BuilderConfig
	customizations *config.Customizations

	versionOnce sync.Once
	opmVersion  *semver.Version
	versionErr  error
}

func New(cfg config.BuilderConfig, customizations *config.Customizations) *Builder {
	if customizations == nil {
		customizations = &config.Customizations{}
	}
	return &Builder{cfg: cfg, customizations: customizations}
}

// Invoke runs the full build for one request: generate the Dockerfile for
// the request's kind, build the image for its architecture, push it to
// the build tag, and report the pushed digest.
func (b *Builder) Invoke(ctx context.Context, req *domain.Request, sink out.LogSink) (*out.BuildOutcome, error) {
	dir, err := os.MkdirTemp(b.workRoot(), "bindery-build-")
	if err != nil {
		return nil, fmt.Errorf("creating build workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	switch req.Kind {
	case domain.KindAdd:
		err = b.generateAdd(ctx, dir, req, sink)
	case domain.KindRemove:
		err = b.generateRemove(ctx, dir, req, sink)
	case domain.KindMergeIndexImage:
		err = b.generateMerge(ctx, dir, req, sink)
	case domain.KindRegenerateBundle:
		err = b.generateBundle(dir, req)
	default:
		err = fmt.Errorf("%w: %q", domain.ErrUnknownKind, string(req.Kind))
	}
	if err != nil {
		return nil, err
	}

	return b.buildAndPush(ctx, dir, req, sink)
}

func (b *Builder) generateAdd(ctx context.Context, dir string, req *domain.Request, sink out.LogSink) error {
	args := []string{
		"index", "add",
		"--generate",
		"--out-dockerfile", dockerfileName,
		"--bundles", strings.Join(req.Params.Bundles, ","),
		"--from-index", primaryPullSpec(req),
		"--binary-image", binaryPullSpec(req),
	}
	return b.runStreamed(ctx, dir, sink,
		"Failed to add the bundles to the index image", b.cfg.OpmPath, args...)
}

func (b *Builder) generateRemove(ctx context.Context, dir string, req *domain.Request, sink out.LogSink) error {
	args := []string{
		"index", "rm",
		"--generate",
		"--out-dockerfile", dockerfileName,
		"--operators", strings.Join(req.Params.Operators, ","),
		"--from-index", primaryPullSpec(req),
		"--binary-image", binaryPullSpec(req),
	}
	return b.runStreamed(ctx, dir, sink,
		"Failed to remove the operators from the index image", b.cfg.OpmPath, args...)
}

func (b *Builder) generateMerge(ctx context.Context, dir string, req *domain.Request, sink out.LogSink) error {
	if err := b.ensureMergeSupported(ctx); err != nil {
		return err
	}

	// An empty deprecation list grafts the source database unmodified;
	// otherwise opm filters it first.
	if len(req.Params.DeprecationList) == 0 {
		return writeDockerfile(dir, graftDockerfile(binaryPullSpec(req), primaryPullSpec(req)))
	}

	args := []string{
		"index", "deprecatetruncate",
		"--generate",
		"--out-dockerfile", dockerfileName,
		"--bundles", strings.Join(req.Params.DeprecationList, ","),
		"--from-index", primaryPullSpec(req),
		"--binary-image", binaryPullSpec(req),
		"--allow-package-removal",
	}
	return b.runStreamed(ctx, dir, sink,
		"Failed to deprecate the bundles from the source index", b.cfg.OpmPath, args...)
}

func (b *Builder) generateBundle(dir string, req *domain.Request) error {
	custom := b.customizations.For(req.Params.Organization)
	from := applyRegistryReplacements(primaryPullSpec(req), custom.RegistryReplacements)
	if req.Params.Organization != "" {
		log.Debug().
			Str("request_id", req.ID).
			Str("organization", req.Params.Organization).
			Int("annotations", len(custom.Annotations)).
			Msg("Applying organization customizations")
	}
	return writeDockerfile(dir, bundleDockerfile(from, custom.Annotations))
}

func (b *Builder) buildAndPush(ctx context.Context, dir string, req *domain.Request, sink out.LogSink) (*out.BuildOutcome, error) {
	buildRepo := strings.TrimSuffix(b.cfg.Registry, "/") + "/bindery-build"
	buildTag := buildRepo + ":" + req.ID

	budArgs := []string{"bud", "--no-cache", "--format", "docker", "-f", dockerfileName, "-t", buildTag}
	failMsg := "Failed to build the container image"
	if req.Architecture != "" {
		budArgs = append(budArgs, "--override-arch", req.Architecture)
		failMsg = fmt.Sprintf("Failed to build the container image on the arch %s", req.Architecture)
	}
	budArgs = append(budArgs, ".")
	if err := b.runStreamed(ctx, dir, sink, failMsg, b.cfg.BuildahPath, budArgs...); err != nil {
		return nil, err
	}

	digest, err := b.push(ctx, dir, sink, buildTag, buildTag)
	if err != nil {
		return nil, err
	}

	if req.Params.Overwrite && req.LockKey != "" {
		if _, err := b.push(ctx, dir, sink, buildTag, req.LockKey); err != nil {
			return nil, err
		}
	}

	outcome := &out.BuildOutcome{
		IndexImage:         buildTag,
		IndexImageResolved: buildRepo + "@" + digest,
		ArchDigests:        map[string]string{},
	}
	if req.Architecture != "" {
		outcome.ArchDigests[req.Architecture] = digest
	}
	return outcome, nil
}

// push sends a local image to dest and returns the pushed digest captured
// via buildah's digestfile.
func (b *Builder) push(ctx context.Context, dir string, sink out.LogSink, image, dest string) (string, error) {
	digestFile, err := os.CreateTemp(dir, "digest-")
	if err != nil {
		return "", fmt.Errorf("creating digest file: %w", err)
	}
	digestPath := digestFile.Name()
	if err := digestFile.Close(); err != nil {
		return "", fmt.Errorf("closing digest file: %w", err)
	}

	args := []string{"push", "--digestfile", digestPath, image, "docker://" + dest}
	failMsg := fmt.Sprintf("Failed to push the container image to %s", dest)
	if err := b.runStreamed(ctx, dir, sink, failMsg, b.cfg.BuildahPath, args...); err != nil {
		return "", err
	}

	data, err := os.ReadFile(digestPath)
	if err != nil {
		return "", fmt.Errorf("reading push digest: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (b *Builder) workRoot() string {
	if b.cfg.WorkDir != "" {
		return b.cfg.WorkDir
	}
	return os.TempDir()
}

// primaryPullSpec returns the request's main input image, preferring the
// digest pin captured at dispatch time.
func primaryPullSpec(req *domain.Request) string {
	if req.FromIndexResolved != "" {
		return req.FromIndexResolved
	}
	switch req.Kind {
	case domain.KindRegenerateBundle:
		return req.Params.FromBundleImage
	case domain.KindMergeIndexImage:
		return req.Params.SourceFromIndex
	default:
		return req.Params.FromIndex
	}
}

func binaryPullSpec(req *domain.Request) string {
	if req.BinaryImageResolved != "" {
		return req.BinaryImageResolved
	}
	return req.Params.BinaryImage
}
