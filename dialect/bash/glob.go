package bash

import (
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// PutGlob transfers every local file under localRoot matching the
// doublestar pattern (** supported) to remoteDir, preserving relative
// paths. It returns the remote paths written.
func (d *Dialect) PutGlob(localRoot, pattern, remoteDir string) ([]string, error) {
	return d.putGlobFS(os.DirFS(localRoot), pattern, remoteDir)
}

func (d *Dialect) putGlobFS(fsys fs.FS, pattern, remoteDir string) ([]string, error) {
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}

	var written []string
	madeDirs := map[string]bool{}
	for _, match := range matches {
		info, err := fs.Stat(fsys, match)
		if err != nil {
			return written, fmt.Errorf("stat %s: %w", match, err)
		}
		if info.IsDir() {
			continue
		}

		data, err := fs.ReadFile(fsys, match)
		if err != nil {
			return written, fmt.Errorf("read %s: %w", match, err)
		}

		remote := path.Join(remoteDir, match)
		if dir := path.Dir(remote); dir != "." && dir != "/" && !madeDirs[dir] {
			if err := d.run(fmt.Sprintf("mkdir -p %s", shellQuote(dir))); err != nil {
				return written, fmt.Errorf("create remote directory %s: %w", dir, err)
			}
			madeDirs[dir] = true
		}
		if err := d.WriteFile(remote, data); err != nil {
			return written, fmt.Errorf("transfer %s: %w", match, err)
		}
		written = append(written, remote)
	}
	return written, nil
}
