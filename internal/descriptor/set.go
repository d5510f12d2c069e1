package descriptor

import "fmt"

// Set is a supervision set: the apps of one or more ecosystem files.
type Set struct {
	Apps []Descriptor `json:"apps" yaml:"apps" toml:"apps" mapstructure:"apps"`
}

// Validate validates every descriptor independently and enforces unique names.
func (s *Set) Validate() error {
	seen := make(map[string]struct{}, len(s.Apps))
	for i := range s.Apps {
		if err := s.Apps[i].Validate(); err != nil {
			return fmt.Errorf("apps[%d]: %w", i, err)
		}
		name := s.Apps[i].Name
		if _, dup := seen[name]; dup {
			return fmt.Errorf("apps[%d] %q: %w", i, name, ErrDuplicateName)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Lookup returns a copy of the named descriptor.
func (s Set) Lookup(name string) (Descriptor, bool) {
	for i := range s.Apps {
		if s.Apps[i].Name == name {
			return s.Apps[i].Clone(), true
		}
	}
	return Descriptor{}, false
}

func (s Set) Names() []string {
	out := make([]string, 0, len(s.Apps))
	for i := range s.Apps {
		out = append(out, s.Apps[i].Name)
	}
	return out
}

// Merge returns a new set with other's apps appended. Name collisions are errors.
func (s Set) Merge(other Set) (Set, error) {
	out := s.Clone()
	for i := range other.Apps {
		if _, ok := out.Lookup(other.Apps[i].Name); ok {
			return Set{}, fmt.Errorf("app %q: %w", other.Apps[i].Name, ErrDuplicateName)
		}
		out.Apps = append(out.Apps, other.Apps[i].Clone())
	}
	return out, nil
}

func (s Set) Clone() Set {
	out := Set{Apps: make([]Descriptor, 0, len(s.Apps))}
	for i := range s.Apps {
		out.Apps = append(out.Apps, s.Apps[i].Clone())
	}
	return out
}
