package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sqs/internal/domain"
)

const layerColumns = `id,name,url,version,active,crs,attr_values_json,content_hash,size_bytes,created_at,modified_at`

func scanLayer(s scanner, withGeoJSON bool) (domain.Layer, error) {
	var l domain.Layer
	var attrs string
	dest := []any{&l.ID, &l.Name, &l.URL, &l.Version, &l.Active, &l.CRS, &attrs, &l.ContentHash, &l.SizeBytes, &l.CreatedAt, &l.ModifiedAt}
	if withGeoJSON {
		dest = append(dest, &l.GeoJSON)
	}
	err := s.Scan(dest...)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &l.AttrValues); err != nil {
			return l, fmt.Errorf("layer %s attr_values: %w", l.Name, err)
		}
	}
	return l, nil
}

func encodeAttrValues(av []domain.AttrValues) (string, error) {
	if av == nil {
		av = []domain.AttrValues{}
	}
	b, err := json.Marshal(av)
	return string(b), err
}

// GetLayer returns a layer by name including its GeoJSON content.
func (r Repo) GetLayer(ctx context.Context, tx *sql.Tx, name string) (domain.Layer, error) {
	return scanLayer(r.on(tx).QueryRowContext(ctx, `SELECT `+layerColumns+`,geojson FROM layers WHERE name=?`, name), true)
}

// ListLayers returns layer metadata ordered by name.
func (r Repo) ListLayers(ctx context.Context, activeOnly bool) ([]domain.Layer, error) {
	query := `SELECT ` + layerColumns + ` FROM layers`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Layer
	for rows.Next() {
		l, err := scanLayer(rows, false)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertLayer(ctx context.Context, tx *sql.Tx, l domain.Layer) (int64, error) {
	attrs, err := encodeAttrValues(l.AttrValues)
	if err != nil {
		return 0, err
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO layers(name,url,version,active,crs,geojson,attr_values_json,content_hash,size_bytes,created_at,modified_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.Name, l.URL, l.Version, l.Active, l.CRS, l.GeoJSON, attrs, l.ContentHash, l.SizeBytes, l.CreatedAt, l.ModifiedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateLayer rewrites a layer row. Content is only replaced when GeoJSON is set.
func (r Repo) UpdateLayer(ctx context.Context, tx *sql.Tx, l domain.Layer) error {
	attrs, err := encodeAttrValues(l.AttrValues)
	if err != nil {
		return err
	}
	var res sql.Result
	if l.GeoJSON != "" {
		res, err = r.on(tx).ExecContext(ctx, `UPDATE layers SET url=?, version=?, active=?, crs=?, geojson=?, attr_values_json=?, content_hash=?, size_bytes=?, modified_at=? WHERE id=?`,
			l.URL, l.Version, l.Active, l.CRS, l.GeoJSON, attrs, l.ContentHash, l.SizeBytes, l.ModifiedAt, l.ID)
	} else {
		res, err = r.on(tx).ExecContext(ctx, `UPDATE layers SET url=?, active=?, modified_at=? WHERE id=?`,
			l.URL, l.Active, l.ModifiedAt, l.ID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetLayerActive(ctx context.Context, tx *sql.Tx, name string, active bool, modifiedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE layers SET active=?, modified_at=? WHERE name=?`, active, modifiedAt, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertLayerVersion(ctx context.Context, tx *sql.Tx, v domain.LayerVersion) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO layer_versions(layer_id,version,content_hash,created_at) VALUES (?,?,?,?)`,
		v.LayerID, v.Version, v.ContentHash, v.CreatedAt)
	return err
}

func (r Repo) ListLayerVersions(ctx context.Context, layerID int64) ([]domain.LayerVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT layer_id,version,content_hash,created_at FROM layer_versions WHERE layer_id=? ORDER BY version DESC`, layerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LayerVersion
	for rows.Next() {
		var v domain.LayerVersion
		if err := rows.Scan(&v.LayerID, &v.Version, &v.ContentHash, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
