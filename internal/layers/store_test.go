package layers_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sqs/internal/config"
	"sqs/internal/db"
	"sqs/internal/layers"
	"sqs/internal/migrate"
	"sqs/internal/prefill"
	"sqs/internal/repo"
)

const regions = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"region":"Region A","office":"North"},
  "geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
 {"type":"Feature","properties":{"region":"Region B","office":"South"},
  "geometry":{"type":"Polygon","coordinates":[[[2,0],[3,0],[3,1],[2,1],[2,0]]]}}]}`

// Same features as regions, keys reordered and reformatted.
const regionsReordered = `{"features":[
 {"geometry":{"coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]],"type":"Polygon"},"properties":{"office":"North","region":"Region A"},"type":"Feature"},
 {"geometry":{"coordinates":[[[2,0],[3,0],[3,1],[2,1],[2,0]]],"type":"Polygon"},"properties":{"office":"South","region":"Region B"},"type":"Feature"}],
 "type":"FeatureCollection"}`

func newStore(t *testing.T) (*layers.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := layers.New(conn, config.Default())
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	s.Logger = log.New(io.Discard, "", 0)
	return s, context.Background()
}

func TestLoadVersionsOnlyChangedContent(t *testing.T) {
	s, ctx := newStore(t)
	res, err := s.Load(ctx, layers.LoadOptions{Name: "regions", Source: layers.Source{Data: []byte(regions)}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Status != layers.StatusCreated || res.Layer.Version != 1 {
		t.Fatalf("first load %s v%d", res.Status, res.Layer.Version)
	}
	if got := res.Layer.Attributes(); strings.Join(got, ",") != "office,region" {
		t.Fatalf("attributes %v", got)
	}

	res, err = s.Load(ctx, layers.LoadOptions{Name: "regions", URL: "http://example/regions", Source: layers.Source{Data: []byte(regionsReordered)}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != layers.StatusUnchanged || res.Layer.Version != 1 || res.Layer.URL != "http://example/regions" {
		t.Fatalf("reordered load %s v%d url=%q", res.Status, res.Layer.Version, res.Layer.URL)
	}

	changed := strings.Replace(regions, "Region B", "Region Z", 1)
	res, err = s.Load(ctx, layers.LoadOptions{Name: "regions", Source: layers.Source{Data: []byte(changed)}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != layers.StatusUpdated || res.Layer.Version != 2 {
		t.Fatalf("changed load %s v%d", res.Status, res.Layer.Version)
	}
	versions, err := s.Versions(ctx, "regions")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].Version != 2 {
		t.Fatalf("versions %+v", versions)
	}
}

func TestLoadFromFileAndRejectOversize(t *testing.T) {
	s, ctx := newStore(t)
	path := filepath.Join(t.TempDir(), "regions.geojson")
	if err := os.WriteFile(path, []byte(regions), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, layers.LoadOptions{Name: "regions", Source: layers.Source{Path: path}}); err != nil {
		t.Fatalf("load file: %v", err)
	}
	s.Config.Layers.MaxGeoJSONMB = 1
	big := make([]byte, 2<<20)
	if _, err := s.Load(ctx, layers.LoadOptions{Name: "big", Source: layers.Source{Data: big}}); !errors.Is(err, layers.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := s.Load(ctx, layers.LoadOptions{Name: "bad", Source: layers.Source{Data: []byte(`{"type":"FeatureCollection","features":[`)}}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestGetLayerFetchesOnceThenServesStored(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(regions))
	}))
	defer srv.Close()

	s, ctx := newStore(t)
	info, table, err := s.GetLayer(ctx, "regions", srv.URL)
	if err != nil {
		t.Fatalf("get layer: %v", err)
	}
	if info.Name != "regions" || info.Version != 1 || table.Len() != 2 {
		t.Fatalf("info %+v rows %d", info, table.Len())
	}
	if _, _, err := s.GetLayer(ctx, "regions", srv.URL); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestGetLayerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s, ctx := newStore(t)
	var lu prefill.LayerUnavailableError
	if _, _, err := s.GetLayer(ctx, "regions", srv.URL); !errors.As(err, &lu) || lu.Layer != "regions" {
		t.Fatalf("expected LayerUnavailableError, got %v", err)
	}
	if _, _, err := s.GetLayer(ctx, "unknown", ""); !errors.As(err, &lu) {
		t.Fatalf("expected LayerUnavailableError without url, got %v", err)
	}
}

func TestInactiveLayerIsRefetched(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(regions))
	}))
	defer srv.Close()

	s, ctx := newStore(t)
	if _, err := s.Load(ctx, layers.LoadOptions{Name: "regions", URL: srv.URL, Source: layers.Source{Data: []byte(regions)}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetActive(ctx, "regions", false, "tester"); err != nil {
		t.Fatal(err)
	}
	active, err := s.List(ctx, true)
	if err != nil || len(active) != 0 {
		t.Fatalf("active layers %v %v", active, err)
	}
	if _, _, err := s.GetLayer(ctx, "regions", ""); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("inactive layer should be fetched from its stored url")
	}
	if err := s.SetActive(ctx, "missing", true, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	s, ctx := newStore(t)
	if _, err := s.Load(ctx, layers.LoadOptions{Name: "regions", Source: layers.Source{Data: []byte(regions)}}); err != nil {
		t.Fatal(err)
	}
	res, err := s.Check(ctx, "regions")
	if err != nil {
		t.Fatal(err)
	}
	if res.Features != 2 || res.Error != "" || len(res.Attributes) != 2 {
		t.Fatalf("check %+v", res)
	}
	if _, err := s.Check(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPointQuery(t *testing.T) {
	s, ctx := newStore(t)
	if _, err := s.Load(ctx, layers.LoadOptions{Name: "regions", Source: layers.Source{Data: []byte(regions)}}); err != nil {
		t.Fatal(err)
	}
	res, err := s.PointQuery(ctx, layers.PointQuery{LayerName: "regions", LayerAttrs: []string{"region"}, Longitude: 2.5, Latitude: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors != nil || len(res.Res) != 1 || res.Res["region"] != "Region B" {
		t.Fatalf("point result %+v", res)
	}

	res, err = s.PointQuery(ctx, layers.PointQuery{LayerName: "regions", LayerAttrs: []string{"district"}, Longitude: 0.5, Latitude: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors == nil || !strings.Contains(*res.Errors, "office, region") || len(res.Res) != 2 {
		t.Fatalf("missing attr result %+v", res)
	}

	res, err = s.PointQuery(ctx, layers.PointQuery{LayerName: "regions", Longitude: 10, Latitude: 10})
	if err != nil || res.Res != nil {
		t.Fatalf("outside point %+v %v", res, err)
	}
}

func TestLoadGDA94LayerAndQueryPoint(t *testing.T) {
	s, ctx := newStore(t)
	gda := strings.Replace(regions, `"type":"FeatureCollection",`,
		`"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::4283"}},`, 1)
	res, err := s.Load(ctx, layers.LoadOptions{Name: "regions", Source: layers.Source{Data: []byte(gda)}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Layer.CRS != "EPSG:4283" {
		t.Fatalf("crs %q", res.Layer.CRS)
	}
	pt, err := s.PointQuery(ctx, layers.PointQuery{LayerName: "regions", LayerAttrs: []string{"region"}, Longitude: 0.5, Latitude: 0.5})
	if err != nil || pt.Res["region"] != "Region A" {
		t.Fatalf("point query %+v %v", pt, err)
	}
}
