package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/psantana5/edgedash/pkg/models"
)

var (
	ErrResultExists   = errors.New("result already exists")
	ErrResultNotFound = errors.New("result not found")
	ErrInvalidName    = errors.New("invalid result name")
)

// ResultStore keeps analysis results as files in a single directory
type ResultStore struct {
	dir       string
	overwrite bool
}

// NewResultStore creates the directory if needed. With overwrite set, a result arriving
// under an existing name replaces the old file; otherwise Put fails with ErrResultExists.
func NewResultStore(dir string, overwrite bool) (*ResultStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	return &ResultStore{dir: dir, overwrite: overwrite}, nil
}

// Dir returns the results directory
func (s *ResultStore) Dir() string {
	return s.dir
}

// Path returns where a result with the given name is stored
func (s *ResultStore) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func validName(name string) bool {
	base := filepath.Base(name)
	return base == name && name != "." && name != ".." && name != "" && !strings.ContainsRune(name, os.PathSeparator)
}

// Put moves srcPath into the store under name
func (s *ResultStore) Put(name, srcPath string) (models.Content, error) {
	if !validName(name) {
		return models.Content{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dest := s.Path(name)
	if !s.overwrite {
		if _, err := os.Stat(dest); err == nil {
			return models.Content{}, fmt.Errorf("%w: %s", ErrResultExists, name)
		}
	}

	if err := os.Rename(srcPath, dest); err != nil {
		// rename fails across filesystems
		if err := copyFile(srcPath, dest); err != nil {
			return models.Content{}, fmt.Errorf("failed to store result %s: %w", name, err)
		}
		os.Remove(srcPath)
	}
	return models.NewResult(dest), nil
}

// Get returns a stored result
func (s *ResultStore) Get(name string) (models.Content, error) {
	if !validName(name) {
		return models.Content{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := s.Path(name)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Content{}, fmt.Errorf("%w: %s", ErrResultNotFound, name)
		}
		return models.Content{}, err
	}
	return models.NewResult(p), nil
}

// List returns the stored results sorted by name
func (s *ResultStore) List() ([]models.Content, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read results directory: %w", err)
	}
	results := make([]models.Content, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != models.ResultExtension {
			continue
		}
		results = append(results, models.NewResult(filepath.Join(s.dir, e.Name())))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
