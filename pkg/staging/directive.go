package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/radical-cybertools/rp-agent/pkg/sandbox"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// execute resolves a directive's source and target URLs against the
// task's sandbox and performs its action. Both TRANSFER and COPY move
// file content; TRANSFER additionally stands in for movement between
// distinct storage backends once pkg/bridge grows a real remote
// endpoint, while COPY is always a same-filesystem duplication. LINK
// symlinks rather than copying.
func execute(resolver *sandbox.Resolver, taskUID string, d types.StagingDirective) error {
	src, err := resolver.Resolve(d.Source, taskUID)
	if err != nil {
		return fmt.Errorf("resolve source %q: %w", d.Source, err)
	}
	dst, err := resolver.Resolve(d.Target, taskUID)
	if err != nil {
		return fmt.Errorf("resolve target %q: %w", d.Target, err)
	}

	switch d.Action {
	case types.StagingTransfer, types.StagingCopy:
		return copyFile(src, dst)
	case types.StagingLink:
		return linkFile(src, dst)
	default:
		return fmt.Errorf("unknown staging action %q", d.Action)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return nil
}

func linkFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing %q before linking: %w", dst, err)
	}
	if err := os.Symlink(src, dst); err != nil {
		return fmt.Errorf("link %q to %q: %w", src, dst, err)
	}
	return nil
}

// directiveTargets resolves every directive's target path, for the
// bulk mkdir pass that runs ahead of the actual staging operations.
func directiveTargets(resolver *sandbox.Resolver, taskUID string, directives []types.StagingDirective) ([]string, error) {
	paths := make([]string, 0, len(directives))
	for _, d := range directives {
		p, err := resolver.Resolve(d.Target, taskUID)
		if err != nil {
			return nil, fmt.Errorf("resolve target %q: %w", d.Target, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// ensureDirs creates every distinct parent directory found across
// paths. When the directive count reaches bulkMkdirThreshold the
// directories are deduplicated into a single batch up front instead of
// being created (and re-stat'd) once per directive, the
// `task_bulk_mkdir_threshold` optimization of spec.md §4.5.
func ensureDirs(paths []string, bulkMkdirThreshold int) error {
	if len(paths) >= bulkMkdirThreshold {
		seen := make(map[string]bool, len(paths))
		for _, p := range paths {
			dir := filepath.Dir(p)
			if seen[dir] {
				continue
			}
			seen[dir] = true
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("bulk mkdir %q: %w", dir, err)
			}
		}
		return nil
	}

	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("mkdir %q: %w", filepath.Dir(p), err)
		}
	}
	return nil
}
