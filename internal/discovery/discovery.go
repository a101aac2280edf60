package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// helper scripts that, together with the manifest, mark a project directory
var requiredScripts = []string{"connect.sh", "restart.sh", "stop.sh"}

var prunedDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".hg":          {},
	".svn":         {},
}

// Finder locates project directories under a workspace root.
type Finder struct {
	root         string
	manifestName string
}

// New constructs a Finder for the given workspace root and manifest filename.
func New(root, manifestName string) *Finder {
	return &Finder{root: root, manifestName: manifestName}
}

// Projects walks the workspace and returns the absolute paths of all
// project directories, sorted lexicographically.
func (f *Finder) Projects() ([]string, error) {
	var projects []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtree, skip rather than abort the walk
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, pruned := prunedDirs[d.Name()]; pruned {
			return fs.SkipDir
		}
		if f.isProject(path) {
			projects = append(projects, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(projects)
	return projects, nil
}

// IsProject reports whether dir carries the full project signature.
func (f *Finder) IsProject(dir string) bool {
	return f.isProject(dir)
}

func (f *Finder) isProject(dir string) bool {
	if !fileExists(filepath.Join(dir, f.manifestName)) {
		return false
	}
	for _, script := range requiredScripts {
		if !fileExists(filepath.Join(dir, script)) {
			return false
		}
	}
	return true
}

// ManifestPath returns the manifest file path for a project directory.
func (f *Finder) ManifestPath(dir string) string {
	return filepath.Join(dir, f.manifestName)
}

// Root returns the workspace root.
func (f *Finder) Root() string {
	return f.root
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
