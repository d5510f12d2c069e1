package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoadFile reads an ecosystem file. An empty or relative cwd is resolved
// against the file's directory before the set is validated.
func LoadFile(path string) (Set, error) {
	f, err := FormatFromPath(path)
	if err != nil {
		return Set{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Set{}, err
	}
	b, err := os.ReadFile(filepath.Clean(abs))
	if err != nil {
		return Set{}, err
	}
	s, err := Decode(b, f)
	if err != nil {
		return Set{}, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(abs)
	for i := range s.Apps {
		switch cwd := s.Apps[i].Cwd; {
		case cwd == "":
			s.Apps[i].Cwd = base
		case !filepath.IsAbs(cwd):
			s.Apps[i].Cwd = filepath.Join(base, cwd)
		}
	}
	if err := s.Validate(); err != nil {
		return Set{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadFiles loads several ecosystem files into one set; names must be unique
// across all of them.
func LoadFiles(paths ...string) (Set, error) {
	var out Set
	for _, p := range paths {
		s, err := LoadFile(p)
		if err != nil {
			return Set{}, err
		}
		if out, err = out.Merge(s); err != nil {
			return Set{}, fmt.Errorf("%s: %w", p, err)
		}
	}
	return out, nil
}
