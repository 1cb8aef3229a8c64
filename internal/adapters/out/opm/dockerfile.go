package opm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// dockerfileName is the file every flow leaves in the build workspace for
// buildah to consume.
const dockerfileName = "index.Dockerfile"

func writeDockerfile(dir, content string) error {
	path := filepath.Join(dir, dockerfileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", dockerfileName, err)
	}
	return nil
}

// graftDockerfile serves a source index's database from a fresh binary
// image. Used for merges with an empty deprecation list, where the source
// content transfers unmodified.
func graftDockerfile(binaryImage, sourceIndex string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", binaryImage)
	fmt.Fprintf(&sb, "COPY --from=%s /database/index.db /database/index.db\n", sourceIndex)
	sb.WriteString("EXPOSE 50051\n")
	sb.WriteString("ENTRYPOINT [\"/bin/opm\"]\n")
	sb.WriteString("CMD [\"registry\", \"serve\", \"--database\", \"/database/index.db\"]\n")
	return sb.String()
}

// bundleDockerfile rebuilds a bundle image from its resolved pull spec
// with the organization's annotation labels stamped on top.
func bundleDockerfile(bundleImage string, annotations map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", bundleImage)

	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "LABEL %q=%q\n", k, annotations[k])
	}
	return sb.String()
}

// applyRegistryReplacements swaps the registry host of a pull spec per the
// organization's replacement map. The spec is returned unchanged when no
// replacement matches.
func applyRegistryReplacements(pullSpec string, replacements map[string]string) string {
	hosts := make([]string, 0, len(replacements))
	for h := range replacements {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		if strings.HasPrefix(pullSpec, host+"/") {
			return replacements[host] + strings.TrimPrefix(pullSpec, host)
		}
	}
	return pullSpec
}
