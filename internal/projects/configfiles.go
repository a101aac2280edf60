package projects

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Neuxbane/Docker/internal/domain"
)

// configDirName is the per-project directory holding editable config files.
const configDirName = "config"

// ValidConfigFileName rejects names that could traverse out of the
// project's config directory.
func ValidConfigFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\") && !strings.Contains(name, "..")
}

// ListConfigFiles returns the file names inside the project config dir.
func (s *Service) ListConfigFiles(rel string) ([]string, error) {
	dir, err := s.ResolveExisting(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, configDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadConfigFile returns the content of one config file.
func (s *Service) ReadConfigFile(rel, name string) ([]byte, error) {
	if !ValidConfigFileName(name) {
		return nil, domain.Validationf("invalid file name %q", name)
	}
	dir, err := s.ResolveExisting(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, configDirName, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFoundf("config file %s", name)
		}
		return nil, err
	}
	return data, nil
}

// SaveConfigFile writes one config file, creating the directory on demand.
func (s *Service) SaveConfigFile(rel, name string, content []byte) error {
	if !ValidConfigFileName(name) {
		return domain.Validationf("invalid file name %q", name)
	}
	dir, err := s.ResolveExisting(rel)
	if err != nil {
		return err
	}
	cfgDir := filepath.Join(dir, configDirName)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cfgDir, name), content, 0o644)
}
