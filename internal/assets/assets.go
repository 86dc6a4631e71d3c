// Package assets serves the browser console client from a fixed set of
// files computed once at startup. Requests are canonicalized (symlinks
// resolved) before the whitelist check, so neither ".." segments nor
// symlinks can reach files outside that set.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound  = errors.New("asset not found")
	ErrForbidden = errors.New("asset forbidden")
)

type Server struct {
	root      string
	index     string
	whitelist map[string]struct{}
}

// New canonicalizes root and builds the whitelist. With an empty list the
// whole tree under root is walked; otherwise only the listed relative
// paths are admitted. Files whose canonical path leaves root are skipped.
func New(root, index string, list []string) (*Server, error) {
	canonRoot, err := canonicalize(root)
	if err != nil {
		return nil, fmt.Errorf("asset root %s: %w", root, err)
	}
	info, err := os.Stat(canonRoot)
	if err != nil {
		return nil, fmt.Errorf("asset root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("asset root %s is not a directory", root)
	}

	s := &Server{
		root:      canonRoot,
		index:     strings.TrimPrefix(path.Clean("/"+index), "/"),
		whitelist: make(map[string]struct{}),
	}

	if len(list) > 0 {
		for _, rel := range list {
			s.admit(filepath.Join(canonRoot, filepath.FromSlash(path.Clean("/"+rel))))
		}
	} else {
		err = filepath.WalkDir(canonRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			s.admit(p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk asset root: %w", err)
		}
	}

	log.Printf("📁 Serving %d assets from %s", len(s.whitelist), canonRoot)
	return s, nil
}

func (s *Server) admit(p string) {
	resolved, err := canonicalize(p)
	if err != nil {
		return
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if !s.within(resolved) {
		log.Printf("⚠️  Skipping asset outside root: %s", p)
		return
	}
	s.whitelist[resolved] = struct{}{}
}

func (s *Server) within(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func (s *Server) Len() int { return len(s.whitelist) }

// resolve maps a URL path to the canonical file it would read.
func (s *Server) resolve(urlPath string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if rel == "" {
		rel = s.index
	}
	if strings.ContainsRune(rel, 0) {
		return "", ErrForbidden
	}
	candidate := filepath.Join(s.root, filepath.FromSlash(rel))

	resolved, err := filepath.EvalSymlinks(candidate)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		// A whitelisted file removed since startup still has its
		// lexical path in the set; anything else is refused below.
		resolved = candidate
	default:
		return "", ErrForbidden
	}

	if _, ok := s.whitelist[resolved]; !ok {
		return "", ErrForbidden
	}
	return resolved, nil
}

// Serve returns the contents of the whitelisted file at urlPath.
func (s *Server) Serve(urlPath string) ([]byte, error) {
	resolved, err := s.resolve(urlPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	return data, nil
}
