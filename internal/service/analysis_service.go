package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/region"
	"github.com/pathtiles/server/internal/store"
)

// Measurement names written by the tiling job.
const (
	MeasurementMean   = "Intensity: Mean"
	MeasurementStdDev = "Intensity: Std.Dev."
	MeasurementMin    = "Intensity: Min"
	MeasurementMax    = "Intensity: Max"
)

// ErrBadParams is returned for job parameters that cannot be run.
var ErrBadParams = errors.New("invalid job parameters")

// AnalysisService runs analysis jobs against registered slides.
type AnalysisService struct {
	registry interface {
		Get(slideID string) *SlideService
	}
	// Parallelism bounds concurrent region reads within one job.
	Parallelism int
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(registry interface{ Get(slideID string) *SlideService }) *AnalysisService {
	return &AnalysisService{registry: registry, Parallelism: 4}
}

// ExecuteJob runs the job (called by JobManager worker).
func (s *AnalysisService) ExecuteJob(ctx context.Context, st *store.Store, jobID string) error {
	// Load job from store
	job, err := st.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Kind != store.JobKindTiling {
		return fmt.Errorf("%w: unknown job kind %q", ErrBadParams, job.Kind)
	}

	svc := s.registry.Get(job.Params.SlideID)
	if svc == nil {
		return fmt.Errorf("slide not found: %s", job.Params.SlideID)
	}

	n, err := s.RunTiling(ctx, svc, job.Params, func(phase string, done, total int) {
		st.UpdateJobProgress(jobID, phase, done, total)
	})
	if err != nil {
		return err
	}
	return st.UpdateJobCreated(jobID, n)
}

// ProgressFunc receives job progress.
type ProgressFunc func(phase string, done, total int)

// RunTiling covers an annotation with square tiles, measures the intensity
// of each tile at the requested level and inserts the tiles under the
// annotation in one atomic step. Tiles whose centre falls outside the
// annotation are skipped. It returns the number of tiles inserted.
func (s *AnalysisService) RunTiling(ctx context.Context, svc *SlideService, p store.TilingParams, progress ProgressFunc) (int, error) {
	if progress == nil {
		progress = func(string, int, int) {}
	}
	// workers report concurrently; callers see one call at a time
	var progressMu sync.Mutex
	report := func(phase string, done, total int) {
		progressMu.Lock()
		defer progressMu.Unlock()
		progress(phase, done, total)
	}
	h := svc.Hierarchy()
	meta := svc.Metadata()

	aid, err := uuid.Parse(p.AnnotationID)
	if err != nil {
		return 0, fmt.Errorf("%w: annotation id %q", ErrBadParams, p.AnnotationID)
	}
	ann, ok := h.Get(aid)
	if !ok {
		return 0, fmt.Errorf("annotation %s: %w", aid, hierarchy.ErrNotFound)
	}
	if ann.Kind() != hierarchy.KindAnnotation {
		return 0, fmt.Errorf("%w: %s is not an annotation", ErrBadParams, ann)
	}
	if p.TileSize <= 0 {
		return 0, fmt.Errorf("%w: tile size %d", ErrBadParams, p.TileSize)
	}
	if p.Level < 0 || p.Level >= len(meta.Levels) {
		return 0, fmt.Errorf("%w: level %d", ErrBadParams, p.Level)
	}

	progress("planning", 0, 0)
	tiles := planTiles(ann.Geometry(), p.TileSize, float64(meta.Width()), float64(meta.Height()))
	if len(tiles) == 0 {
		return 0, nil
	}

	total := len(tiles)
	progress("measuring", 0, total)
	objs := make([]*hierarchy.PathObject, total)
	var done atomic.Int64

	parallel := s.Parallelism
	if parallel <= 0 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, geom := range tiles {
		g.Go(func() error {
			m, err := measure(gctx, svc, meta, geom, p.Level)
			if err != nil {
				return err
			}
			o := hierarchy.NewTile(geom).WithMeasurements(m)
			if p.Classification != "" {
				o = o.WithClassification(p.Classification)
			}
			objs[i] = o
			if n := int(done.Add(1)); n%16 == 0 || n == total {
				report("measuring", n, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	progress("inserting", 0, total)
	if err := h.InsertAllUnder(objs, aid); err != nil {
		return 0, fmt.Errorf("failed to insert tiles: %w", err)
	}
	progress("done", total, total)
	return total, nil
}

// planTiles lays a grid of size x size squares over the bounds of g,
// clipped to the image, and keeps the squares whose centre g contains.
func planTiles(g hierarchy.Geometry, size int, imgW, imgH float64) []hierarchy.Geometry {
	b := g.Bounds()
	ts := float64(size)
	var out []hierarchy.Geometry
	for y := math.Max(0, b.MinY); y < math.Min(b.MaxY, imgH); y += ts {
		for x := math.Max(0, b.MinX); x < math.Min(b.MaxX, imgW); x += ts {
			w, h := math.Min(ts, imgW-x), math.Min(ts, imgH-y)
			if !g.ContainsPoint(hierarchy.Point{X: x + w/2, Y: y + h/2}) {
				continue
			}
			out = append(out, hierarchy.NewRectangle(x, y, w, h, g.Plane))
		}
	}
	return out
}

// measure reads the tile at level and summarizes its intensities.
func measure(ctx context.Context, svc *SlideService, meta region.Pyramid, g hierarchy.Geometry, level int) (map[string]float64, error) {
	b := g.Bounds()
	full := region.Region{
		X:      int(math.Floor(b.MinX)),
		Y:      int(math.Floor(b.MinY)),
		Width:  int(math.Ceil(b.MaxX)) - int(math.Floor(b.MinX)),
		Height: int(math.Ceil(b.MaxY)) - int(math.Floor(b.MinY)),
		Z:      g.Plane.Z,
		T:      g.Plane.T,
	}
	r, err := meta.ToLevel(full, level)
	if err != nil {
		return nil, err
	}
	r = region.Intersect(r, meta.Bounds(level, g.Plane.Z, g.Plane.T))
	if r.IsEmpty() {
		return nil, fmt.Errorf("%w: tile %v", region.ErrOutOfBounds, b)
	}

	tile, err := svc.Server().ReadRegion(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r, err)
	}
	xs := intensities(tile.Image)
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		std = 0
	}
	return map[string]float64{
		MeasurementMean:   mean,
		MeasurementStdDev: std,
		MeasurementMin:    floats.Min(xs),
		MeasurementMax:    floats.Max(xs),
	}, nil
}

// intensities returns one value per pixel in the image's own bit depth:
// grey levels directly, colour pixels as luminance.
func intensities(img image.Image) []float64 {
	b := img.Bounds()
	xs := make([]float64, 0, b.Dx()*b.Dy())
	switch m := img.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				xs = append(xs, float64(m.GrayAt(x, y).Y))
			}
		}
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				xs = append(xs, float64(m.Gray16At(x, y).Y))
			}
		}
	case *image.RGBA64, *image.NRGBA64:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				xs = append(xs, float64(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y))
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				xs = append(xs, float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y))
			}
		}
	}
	return xs
}
