package logger

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/loykin/appvisor/internal/descriptor"
)

// Sinks are the log destinations of one running instance. Stdout and Stderr
// are never nil; with no file configured they discard.
type Sinks struct {
	Stdout io.Writer
	Stderr io.Writer

	closers []io.Closer
}

// Close closes every underlying file.
func (s *Sinks) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// InstancePaths derives the paths for one instance of an app. With more than
// one instance each file gets a -<index> suffix before its extension. With no
// sink declared and Dir set, pm2 style <name>-out.log/<name>-error.log are used.
func (c Config) InstancePaths(d *descriptor.Descriptor, index int) descriptor.LogPaths {
	p := d.LogPaths()
	if !p.Any() && c.Dir != "" {
		p.Stdout = filepath.Join(c.Dir, d.Name+"-out.log")
		p.Stderr = filepath.Join(c.Dir, d.Name+"-error.log")
	}
	if d.InstanceCount() > 1 {
		p.Combined = withIndex(p.Combined, index)
		p.Stdout = withIndex(p.Stdout, index)
		p.Stderr = withIndex(p.Stderr, index)
	}
	return p
}

// OpenSinks opens rotated writers for the given paths. The combined file
// receives both streams. Paths naming the same file share one writer.
func (c Config) OpenSinks(p descriptor.LogPaths) (*Sinks, error) {
	s := &Sinks{}
	opened := map[string]io.Writer{}
	get := func(path string) (io.Writer, error) {
		if path == "" {
			return nil, nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("log path %q: %w", path, err)
		}
		if w, ok := opened[abs]; ok {
			return w, nil
		}
		l := c.Rotation.open(abs)
		opened[abs] = l
		s.closers = append(s.closers, l)
		return l, nil
	}

	combined, err := get(p.Combined)
	if err != nil {
		return nil, err
	}
	out, err := get(p.Stdout)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	errW, err := get(p.Stderr)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Stdout = tee(out, combined)
	s.Stderr = tee(errW, combined)
	return s, nil
}

func tee(w, combined io.Writer) io.Writer {
	switch {
	case w == nil && combined == nil:
		return io.Discard
	case w == nil:
		return combined
	case combined == nil || w == combined:
		return w
	}
	return io.MultiWriter(w, combined)
}

func withIndex(path string, index int) string {
	if path == "" {
		return ""
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), index, ext)
}
