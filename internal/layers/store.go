package layers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"sqs/internal/config"
	"sqs/internal/digest"
	"sqs/internal/domain"
	"sqs/internal/events"
	"sqs/internal/geom"
	"sqs/internal/prefill"
	"sqs/internal/repo"
)

const (
	StatusCreated   = "created"
	StatusUpdated   = "updated"
	StatusUnchanged = "unchanged"
)

// ErrTooLarge is returned when layer content exceeds layers.max_geojson_mb.
var ErrTooLarge = errors.New("layer exceeds size limit")

// Store persists GIS layers and serves them to evaluations.
type Store struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Client  *http.Client
	Limiter *rate.Limiter
	Now     func() time.Time
	Logger  *log.Logger
}

func New(db *sql.DB, cfg *config.Config) *Store {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Store{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Client:  &http.Client{Timeout: cfg.Layers.RequestTimeout},
		Limiter: rate.NewLimiter(rate.Limit(cfg.Layers.FetchRPS), cfg.Layers.FetchBurst),
		Now:     time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Store) maxBytes() int64 {
	if s.Config == nil {
		return config.Default().MaxGeoJSONBytes()
	}
	return s.Config.MaxGeoJSONBytes()
}

// Source is where layer content is read from. Exactly one field is used,
// in the order Data, Path, URL.
type Source struct {
	Data []byte
	Path string
	URL  string
}

func (src Source) empty() bool {
	return len(src.Data) == 0 && src.Path == "" && src.URL == ""
}

func (s *Store) read(ctx context.Context, src Source) ([]byte, error) {
	limit := s.maxBytes()
	switch {
	case len(src.Data) > 0:
		if int64(len(src.Data)) > limit {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(src.Data))
		}
		return src.Data, nil
	case src.Path != "":
		fi, err := os.Stat(src.Path)
		if err != nil {
			return nil, err
		}
		if fi.Size() > limit {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, fi.Size())
		}
		return os.ReadFile(src.Path)
	case src.URL != "":
		return s.fetch(ctx, src.URL, limit)
	}
	return nil, errors.New("layer source is empty")
}

func (s *Store) fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.Config != nil && s.Config.Layers.User != "" {
		req.SetBasicAuth(s.Config.Layers.User, s.Config.Layers.Password)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// contentHash digests the features member only, so that a re-export with
// a different envelope or key order is seen as unchanged.
func contentHash(data []byte) (string, error) {
	var env struct {
		Features json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Features) > 0 {
		return digest.JCS(env.Features)
	}
	return digest.JCS(data)
}

func attrValues(t *geom.FeatureTable) []domain.AttrValues {
	vals := t.AttrValues()
	out := make([]domain.AttrValues, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, domain.AttrValues{Attribute: c, Values: vals[c]})
	}
	return out
}

type LoadOptions struct {
	Name    string
	URL     string
	Source  Source
	ActorID string
}

type LoadResult struct {
	Layer  domain.Layer `json:"layer"`
	Status string       `json:"status"`

	table *geom.FeatureTable
}

// Load reads, validates and stores a layer. Content identical to the
// stored version only re-activates the layer.
func (s *Store) Load(ctx context.Context, opts LoadOptions) (LoadResult, error) {
	if opts.Name == "" {
		return LoadResult{}, errors.New("layer name is required")
	}
	if opts.Source.empty() {
		opts.Source.URL = opts.URL
	}
	data, err := s.read(ctx, opts.Source)
	if err != nil {
		return LoadResult{}, fmt.Errorf("layer %s: %w", opts.Name, err)
	}
	table, err := geom.ParseFeatureCollection(data)
	if err != nil {
		return LoadResult{}, fmt.Errorf("layer %s: %w", opts.Name, err)
	}
	if _, err := geom.Reproject(table, geom.CRS4326); err != nil {
		return LoadResult{}, fmt.Errorf("layer %s: %w", opts.Name, err)
	}
	hash, err := contentHash(data)
	if err != nil {
		return LoadResult{}, fmt.Errorf("layer %s: %w", opts.Name, err)
	}
	now := domain.FormatTime(s.now())

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return LoadResult{}, err
	}
	defer tx.Rollback()

	res := LoadResult{table: table}
	existing, err := s.Repo.GetLayer(ctx, tx, opts.Name)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		l := domain.Layer{
			Name:        opts.Name,
			URL:         opts.URL,
			Version:     1,
			Active:      true,
			CRS:         table.CRS,
			GeoJSON:     string(data),
			AttrValues:  attrValues(table),
			ContentHash: hash,
			SizeBytes:   int64(len(data)),
			CreatedAt:   now,
			ModifiedAt:  now,
		}
		if l.ID, err = s.Repo.InsertLayer(ctx, tx, l); err != nil {
			return LoadResult{}, err
		}
		res.Layer, res.Status = l, StatusCreated
	case err != nil:
		return LoadResult{}, err
	case existing.ContentHash == hash:
		existing.Active = true
		if opts.URL != "" {
			existing.URL = opts.URL
		}
		existing.GeoJSON = ""
		if err := s.Repo.UpdateLayer(ctx, tx, existing); err != nil {
			return LoadResult{}, err
		}
		res.Layer, res.Status = existing, StatusUnchanged
	default:
		existing.Version++
		existing.Active = true
		if opts.URL != "" {
			existing.URL = opts.URL
		}
		existing.CRS = table.CRS
		existing.GeoJSON = string(data)
		existing.AttrValues = attrValues(table)
		existing.ContentHash = hash
		existing.SizeBytes = int64(len(data))
		existing.ModifiedAt = now
		if err := s.Repo.UpdateLayer(ctx, tx, existing); err != nil {
			return LoadResult{}, err
		}
		res.Layer, res.Status = existing, StatusUpdated
	}
	if res.Status != StatusUnchanged {
		if err := s.Repo.InsertLayerVersion(ctx, tx, domain.LayerVersion{
			LayerID: res.Layer.ID, Version: res.Layer.Version, ContentHash: hash, CreatedAt: now,
		}); err != nil {
			return LoadResult{}, err
		}
	}
	if err := s.Events.Append(ctx, tx, events.LayerLoaded, "layer", res.Layer.Name, opts.ActorID, events.EventPayload{
		"status":  res.Status,
		"version": res.Layer.Version,
		"hash":    hash,
	}); err != nil {
		return LoadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LoadResult{}, err
	}
	res.Layer.GeoJSON = ""
	s.logger().Printf("[layers] %s %s v%d (%d features, %d bytes)", res.Layer.Name, res.Status, res.Layer.Version, table.Len(), len(data))
	return res, nil
}

func info(l domain.Layer) domain.LayerInfo {
	return domain.LayerInfo{
		Name:         l.Name,
		Version:      l.Version,
		CRS:          l.CRS,
		CreatedDate:  l.CreatedAt,
		ModifiedDate: l.ModifiedAt,
	}
}

// GetLayer serves the active stored layer, fetching it from url when it
// is not loaded yet.
func (s *Store) GetLayer(ctx context.Context, name, url string) (domain.LayerInfo, *geom.FeatureTable, error) {
	l, err := s.Repo.GetLayer(ctx, nil, name)
	switch {
	case err == nil && l.Active:
		table, perr := geom.ParseFeatureCollection([]byte(l.GeoJSON))
		if perr != nil {
			return domain.LayerInfo{}, nil, prefill.LayerUnavailableError{Layer: name, URL: url, Err: perr}
		}
		return info(l), table, nil
	case err == nil:
		if url == "" {
			url = l.URL
		}
	case !errors.Is(err, repo.ErrNotFound):
		return domain.LayerInfo{}, nil, prefill.LayerUnavailableError{Layer: name, URL: url, Err: err}
	}
	if url == "" {
		return domain.LayerInfo{}, nil, prefill.LayerUnavailableError{Layer: name, Err: errors.New("layer is not loaded and has no url")}
	}
	res, err := s.Load(ctx, LoadOptions{Name: name, URL: url, Source: Source{URL: url}})
	if err != nil {
		s.logger().Printf("[layers] fetch %s from %s failed: %v", name, url, err)
		return domain.LayerInfo{}, nil, prefill.LayerUnavailableError{Layer: name, URL: url, Err: err}
	}
	return info(res.Layer), res.table, nil
}

// CheckResult describes a stored layer and whether its content parses.
type CheckResult struct {
	Layer      domain.Layer `json:"layer"`
	Features   int          `json:"features"`
	Attributes []string     `json:"attributes"`
	Error      string       `json:"error,omitempty"`
}

func (s *Store) Check(ctx context.Context, name string) (CheckResult, error) {
	l, err := s.Repo.GetLayer(ctx, nil, name)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{Attributes: l.Attributes()}
	table, err := geom.ParseFeatureCollection([]byte(l.GeoJSON))
	if err == nil {
		_, err = geom.Reproject(table, geom.CRS4326)
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Features = table.Len()
	}
	l.GeoJSON = ""
	res.Layer = l
	return res, nil
}

func (s *Store) List(ctx context.Context, activeOnly bool) ([]domain.Layer, error) {
	return s.Repo.ListLayers(ctx, activeOnly)
}

func (s *Store) Versions(ctx context.Context, name string) ([]domain.LayerVersion, error) {
	l, err := s.Repo.GetLayer(ctx, nil, name)
	if err != nil {
		return nil, err
	}
	return s.Repo.ListLayerVersions(ctx, l.ID)
}

// SetActive toggles whether evaluations may use the stored layer.
func (s *Store) SetActive(ctx context.Context, name string, active bool, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.SetLayerActive(ctx, tx, name, active, domain.FormatTime(s.now())); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, events.LayerActivated, "layer", name, actorID, events.EventPayload{"active": active}); err != nil {
		return err
	}
	return tx.Commit()
}
