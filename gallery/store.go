// Package gallery stores photos received from the rover on disk and syncs
// them to object storage.
package gallery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/phototransfer"
	"github.com/user/rover-link/protocol"
)

const indexFile = "index.json"

var (
	ErrNotFound     = errors.New("photo not found")
	ErrEmptyPhoto   = errors.New("empty photo data")
	ErrHashMismatch = errors.New("photo file does not match its recorded hash")
)

// Record is the stored metadata of one photo
type Record struct {
	ID         string                  `json:"id"`
	Filename   string                  `json:"filename"`
	Size       int                     `json:"size"`
	Width      int                     `json:"width,omitempty"`
	Height     int                     `json:"height,omitempty"`
	CapturedAt time.Time               `json:"captured_at"`
	MissionID  string                  `json:"mission_id,omitempty"`
	ObstacleID string                  `json:"obstacle_id,omitempty"`
	Seq        *uint32                 `json:"seq,omitempty"`
	Source     string                  `json:"source"`
	Telemetry  *protocol.SensorReading `json:"telemetry,omitempty"`
	SHA256     string                  `json:"sha256"`
	Synced     bool                    `json:"synced"`
	RemoteKey  string                  `json:"remote_key,omitempty"`
	SyncedAt   *time.Time              `json:"synced_at,omitempty"`
}

// FileStore keeps photos as files plus an index.json of their records
type FileStore struct {
	dir     string
	mu      sync.RWMutex
	records map[string]*Record
}

// Open loads (or creates) the gallery in dir
func Open(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create gallery directory: %w", err)
	}
	s := &FileStore{dir: dir, records: make(map[string]*Record)}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read gallery index: %w", err)
	}
	var list []*Record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gallery index: %w", err)
	}
	for _, r := range list {
		s.records[r.ID] = r
	}
	logger.Debug("gallery", "loaded %d photos from %s", len(list), dir)
	return s, nil
}

// Dir is the gallery directory
func (s *FileStore) Dir() string { return s.dir }

// Filename builds rover_YYYYMMDD_HHMMSS_<first 8 of id>.jpg
func Filename(capturedAt time.Time, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("rover_%s_%s.jpg", capturedAt.Format("20060102_150405"), short)
}

// Save writes a photo and returns its id
func (s *FileStore) Save(ctx context.Context, data []byte, meta phototransfer.AssetMeta) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPhoto
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	captured := meta.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	hash := sha256.Sum256(data)
	rec := &Record{
		ID:         id,
		Filename:   Filename(captured, id),
		Size:       len(data),
		Width:      meta.Width,
		Height:     meta.Height,
		CapturedAt: captured,
		MissionID:  meta.MissionID,
		ObstacleID: meta.ObstacleID,
		Source:     string(meta.Source),
		Telemetry:  meta.Telemetry,
		SHA256:     hex.EncodeToString(hash[:]),
	}
	if v, ok := meta.Seq.Get(); ok {
		rec.Seq = &v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(filepath.Join(s.dir, rec.Filename), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write photo: %w", err)
	}
	s.records[id] = rec
	if err := s.persistLocked(); err != nil {
		delete(s.records, id)
		os.Remove(filepath.Join(s.dir, rec.Filename))
		return "", err
	}
	logger.Info("gallery", "💾 %s (%d bytes)", rec.Filename, rec.Size)
	return id, nil
}

// Get returns the record for id
func (s *FileStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// List returns records newest first, limited to missionID when non-empty
func (s *FileStore) List(missionID string) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if missionID == "" || r.MissionID == missionID {
			out = append(out, *r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CapturedAt.After(out[j].CapturedAt)
	})
	return out
}

// Unsynced returns records not yet uploaded
func (s *FileStore) Unsynced() []Record {
	var out []Record
	for _, r := range s.List("") {
		if !r.Synced {
			out = append(out, r)
		}
	}
	return out
}

// Read returns the photo bytes for id, verifying the recorded hash
func (s *FileStore) Read(id string) ([]byte, error) {
	rec, ok := s.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, rec.Filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	hash := sha256.Sum256(data)
	if hex.EncodeToString(hash[:]) != rec.SHA256 {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, rec.Filename)
	}
	return data, nil
}

// MarkSynced records a successful upload
func (s *FileStore) MarkSynced(id, remoteKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Synced, r.RemoteKey, r.SyncedAt = true, remoteKey, &at
	return s.persistLocked()
}

// Delete removes a photo and its record
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(s.dir, r.Filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove photo: %w", err)
	}
	delete(s.records, id)
	return s.persistLocked()
}

// persistLocked rewrites index.json through a temp file and rename
func (s *FileStore) persistLocked() error {
	list := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal gallery index: %w", err)
	}
	tmp := filepath.Join(s.dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write gallery index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, indexFile)); err != nil {
		return fmt.Errorf("failed to replace gallery index: %w", err)
	}
	return nil
}
