package facial

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"presence/internal/imgproc"
)

const modelFileName = "model.bin"

// TemplateStore persists normalized face templates and the trained classifier
// blob on disk. Layout: one directory per identity holding PNG templates,
// plus a single model file at the root.
//
// Single-writer / multi-reader: enrollment and reset mutate, recognition reads.
type TemplateStore struct {
	mu   sync.RWMutex
	root string
}

// NewTemplateStore opens (and creates if needed) the store root directory.
func NewTemplateStore(root string) (*TemplateStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create template store: %w", err)
	}
	return &TemplateStore{root: root}, nil
}

// Append writes new templates for an identity. Existing templates are never
// replaced; the corpus only grows until an explicit reset.
func (s *TemplateStore) Append(identityID string, templates []*image.Gray) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, identityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	for _, t := range templates {
		f, err := os.Create(filepath.Join(dir, uuid.NewString()+".png"))
		if err != nil {
			return fmt.Errorf("create template file: %w", err)
		}
		if err := png.Encode(f, t); err != nil {
			f.Close()
			return fmt.Errorf("encode template: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close template file: %w", err)
		}
	}
	return nil
}

// Templates loads every stored template for an identity, in stable filename
// order so repeated reads are deterministic.
func (s *TemplateStore) Templates(identityID string) ([]*image.Gray, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTemplates(identityID)
}

func (s *TemplateStore) readTemplates(identityID string) ([]*image.Gray, error) {
	dir := filepath.Join(s.root, identityID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read identity dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".png" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	templates := make([]*image.Gray, 0, len(names))
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("open template: %w", err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode template %s: %w", name, err)
		}
		templates = append(templates, imgproc.ToGray(img))
	}
	return templates, nil
}

// Identities lists all enrolled identity ids, sorted.
func (s *TemplateStore) Identities() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TemplateCount returns the number of stored templates for an identity.
func (s *TemplateStore) TemplateCount(identityID string) (int, error) {
	templates, err := s.Templates(identityID)
	if err != nil {
		return 0, err
	}
	return len(templates), nil
}

// SaveModel persists the classifier blob atomically: the new blob is written
// to a temp file and swapped in with a rename, so a crash mid-write leaves
// the previous model intact and readers never observe a partial blob.
func (s *TemplateStore) SaveModel(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.root, modelFileName+".*")
	if err != nil {
		return fmt.Errorf("create temp model: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close model: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, modelFileName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("swap model: %w", err)
	}
	return nil
}

// LoadModel reads the persisted classifier blob. The second return value is
// false when no model has been trained yet.
func (s *TemplateStore) LoadModel() ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := os.ReadFile(filepath.Join(s.root, modelFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read model: %w", err)
	}
	return b, true, nil
}

// Reset wipes all templates and the classifier blob.
func (s *TemplateStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read store root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}
