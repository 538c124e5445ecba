package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/apierr"
	"onemcp/internal/ctxprop"
)

// Record is the persisted shape of one session: enough to replay a virtual
// initialize on a future transport.
type Record struct {
	SessionID          string                `json:"sessionId"`
	Tags               []string              `json:"tags,omitempty"`
	PresetName         string                `json:"presetName,omitempty"`
	EnablePagination   bool                  `json:"enablePagination"`
	Context            *ctxprop.ContextData  `json:"context,omitempty"`
	InitializeResponse *mcp.InitializeResult `json:"initializeResponse"`
}

// Store persists session records. The zero implementation is FileStore; a
// nil Store in the Manager disables persistence entirely.
type Store interface {
	Save(rec *Record) error
	Load(id string) (*Record, error)
	Delete(id string) error
	List() ([]string, error)
}

// FileStore keeps one JSON file per session under a directory, written
// atomically so a crash never leaves a torn record.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session store: %v", err)}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes a record via temp file + rename.
func (s *FileStore) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("marshal session %s: %v", rec.SessionID, err)}
	}
	tmp, err := os.CreateTemp(s.dir, rec.SessionID+".tmp-*")
	if err != nil {
		return &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s: %v", rec.SessionID, err)}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s: %v", rec.SessionID, err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s: %v", rec.SessionID, err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s: %v", rec.SessionID, err)}
	}
	if err := os.Rename(tmpName, s.path(rec.SessionID)); err != nil {
		os.Remove(tmpName)
		return &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s: %v", rec.SessionID, err)}
	}
	return nil
}

// Load reads one record; a missing file is not_found.
func (s *FileStore) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, &apierr.Error{K: apierr.KindNotFound, Msg: fmt.Sprintf("session %s not persisted", id)}
	}
	if err != nil {
		return nil, &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s: %v", id, err)}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s record is malformed: %v", id, err)}
	}
	return &rec, nil
}

// Delete removes a record; deleting an absent record is a no-op.
func (s *FileStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session %s: %v", id, err)}
	}
	return nil
}

// List returns the ids of every persisted session, for cold-start sweeps.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &apierr.Error{K: apierr.KindPersistenceFailed, Msg: fmt.Sprintf("session store: %v", err)}
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
