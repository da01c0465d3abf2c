package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pathtiles/server/internal/hierarchy"
)

// HierarchyInfo describes the last saved state of a slide's hierarchy.
type HierarchyInfo struct {
	SlideID string    `json:"slide_id"`
	Version uint64    `json:"version"`
	Count   int       `json:"object_count"`
	SavedAt time.Time `json:"saved_at"`
}

// SaveHierarchy replaces everything stored for slideID with recs in one
// transaction. version is the hierarchy version the records were taken at.
func (s *Store) SaveHierarchy(slideID string, version uint64, recs []hierarchy.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM objects WHERE slide_id = ?`, slideID); err != nil {
		return fmt.Errorf("failed to clear objects: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		INSERT INTO hierarchies (slide_id, version, object_count, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(slide_id) DO UPDATE SET version = excluded.version,
			object_count = excluded.object_count, saved_at = excluded.saved_at
	`, slideID, int64(version), len(recs), now); err != nil {
		return fmt.Errorf("failed to write hierarchy row: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO objects (slide_id, seq, object_id, parent_id, kind, name, classification, geometry, measurements_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range recs {
		geom, err := s.encodeGeometry(r.Geometry)
		if err != nil {
			return fmt.Errorf("object %s: %w", r.ID, err)
		}
		meas := []byte("{}")
		if len(r.Measurements) > 0 {
			if meas, err = json.Marshal(r.Measurements); err != nil {
				return fmt.Errorf("object %s: failed to marshal measurements: %w", r.ID, err)
			}
		}
		parent := ""
		if r.Parent != uuid.Nil {
			parent = r.Parent.String()
		}
		if _, err := stmt.Exec(slideID, i, r.ID.String(), parent, r.Kind.String(), r.Name, r.Classification, geom, string(meas)); err != nil {
			return fmt.Errorf("failed to insert object %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// LoadHierarchy returns the records saved for slideID in their original
// order, or nil and no error when nothing was saved.
func (s *Store) LoadHierarchy(slideID string) ([]hierarchy.Record, error) {
	rows, err := s.db.Query(`
		SELECT object_id, parent_id, kind, name, classification, geometry, measurements_json
		FROM objects WHERE slide_id = ? ORDER BY seq ASC
	`, slideID)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var recs []hierarchy.Record
	for rows.Next() {
		var (
			id, parent, kind, name, class, meas string
			geom                                []byte
		)
		if err := rows.Scan(&id, &parent, &kind, &name, &class, &geom, &meas); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		r := hierarchy.Record{Name: name, Classification: class}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("object id %q: %w", id, err)
		}
		if parent != "" {
			if r.Parent, err = uuid.Parse(parent); err != nil {
				return nil, fmt.Errorf("object %s parent %q: %w", id, parent, err)
			}
		}
		if r.Kind, err = hierarchy.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("object %s: %w", id, err)
		}
		if r.Geometry, err = s.decodeGeometry(geom); err != nil {
			return nil, fmt.Errorf("object %s: %w", id, err)
		}
		if meas != "" && meas != "{}" {
			if err := json.Unmarshal([]byte(meas), &r.Measurements); err != nil {
				return nil, fmt.Errorf("object %s: failed to parse measurements: %w", id, err)
			}
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// HierarchyInfo returns the saved-state summary for slideID, or nil if the
// slide was never saved.
func (s *Store) HierarchyInfo(slideID string) (*HierarchyInfo, error) {
	var (
		version int64
		count   int
		savedAt string
	)
	err := s.db.QueryRow(`SELECT version, object_count, saved_at FROM hierarchies WHERE slide_id = ?`, slideID).
		Scan(&version, &count, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query hierarchy: %w", err)
	}
	info := &HierarchyInfo{SlideID: slideID, Version: uint64(version), Count: count}
	info.SavedAt, _ = time.Parse(time.RFC3339, savedAt)
	return info, nil
}

// DeleteHierarchy removes everything saved for slideID.
func (s *Store) DeleteHierarchy(slideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM hierarchies WHERE slide_id = ?`, slideID)
	return err
}

func (s *Store) encodeGeometry(g hierarchy.Geometry) ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal geometry: %w", err)
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decodeGeometry(blob []byte) (hierarchy.Geometry, error) {
	var g hierarchy.Geometry
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return g, fmt.Errorf("failed to decompress geometry: %w", err)
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("failed to parse geometry: %w", err)
	}
	return g, nil
}
