package discovery

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// Storage persists the discovered candidate set across restarts.
type Storage interface {
	Load() (map[string]*Candidate, error)
	Save(candidates map[string]*Candidate) error
}

// FileStorage persists candidates as a single indented JSON file,
// following the ratestore package's persistence style, since Candidate
// already has a JSON shape it shares with the rest of this module.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (fs *FileStorage) Load() (map[string]*Candidate, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info().Str("path", fs.path).Msg("discovery: no persisted candidates found, starting empty")
			return make(map[string]*Candidate), nil
		}
		return nil, err
	}

	var candidates map[string]*Candidate
	if err := json.Unmarshal(data, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (fs *FileStorage) Save(candidates map[string]*Candidate) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.path, data, 0o644)
}
