package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pathtiles/server/internal/geojson"
	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/region"
	"github.com/pathtiles/server/internal/service"
	"github.com/pathtiles/server/pkg/colormap"
)

const maxObjectBodyBytes = 64 << 20 // 64 MiB

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", geojson.ErrInvalid, err)
	}
	return body, nil
}

func objectID(r *http.Request) (hierarchy.ObjectID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid object id", hierarchy.ErrNotFound)
	}
	return id, nil
}

// queryRegion reads level, x, y, w, h, z and t. Without w and h the whole
// level is queried.
func queryRegion(svc *service.SlideService, q url.Values) (region.Region, error) {
	level := queryInt(q, "level", 0)
	meta := svc.Metadata()
	if level < 0 || level >= len(meta.Levels) {
		return region.Empty, fmt.Errorf("%w: level %d", region.ErrOutOfBounds, level)
	}
	z, t := queryInt(q, "z", 0), queryInt(q, "t", 0)
	if q.Get("w") == "" && q.Get("h") == "" {
		return meta.Bounds(level, z, t), nil
	}
	r := region.New(level, queryInt(q, "x", 0), queryInt(q, "y", 0), queryInt(q, "w", 0), queryInt(q, "h", 0))
	r.Z, r.T = z, t
	return r, nil
}

func queryObjectsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	reg, err := queryRegion(svc, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := svc.QueryObjects(reg)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(data)
}

func exportObjectsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	data, err := svc.ExportGeoJSON()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", svc.ID()+".geojson"))
	w.Write(data)
}

// insertObjectsHandler imports a GeoJSON body. With ?parent=<id> every
// object goes directly under that object.
func insertObjectsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var parent *hierarchy.ObjectID
	if p := strings.TrimSpace(r.URL.Query().Get("parent")); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			http.Error(w, "invalid parent id", http.StatusBadRequest)
			return
		}
		parent = &id
	}

	objs, err := svc.ImportGeoJSON(body, parent)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, len(objs))
	for i, o := range objs {
		ids[i] = o.ID().String()
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"inserted": len(objs),
		"ids":      ids,
		"version":  svc.Hierarchy().Version(),
	})
}

func getObjectHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	id, err := objectID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, parent, err := svc.GetObject(id)
	if err != nil {
		writeError(w, err)
		return
	}
	feature, err := geojson.MarshalFeature(o, colormap.ClassColor)
	if err != nil {
		writeError(w, err)
		return
	}

	children := svc.Children(id)
	childIDs := make([]string, len(children))
	for i, c := range children {
		childIDs[i] = c.ID().String()
	}
	resp := map[string]interface{}{
		"object":   json.RawMessage(feature),
		"children": childIDs,
	}
	if parent != nil && parent.Kind() != hierarchy.KindRoot {
		resp["parent"] = parent.ID().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// deleteObjectHandler removes an object. With ?keep_children=true its
// children move up to its parent; otherwise the subtree goes too.
func deleteObjectHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	id, err := objectID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	keep := queryBool(r.URL.Query(), "keep_children")
	if err := svc.RemoveObject(id, keep); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":       id.String(),
		"keep_children": keep,
		"version":       svc.Hierarchy().Version(),
	})
}

func updateGeometryHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	id, err := objectID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := geojson.UnmarshalGeometry(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := svc.UpdateGeometry(id, g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": id.String(),
		"version": svc.Hierarchy().Version(),
	})
}

type classificationRequest struct {
	Name *string `json:"name"`
}

// setClassificationHandler sets the class name; a null or empty name clears it.
func setClassificationHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	id, err := objectID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req classificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	class := ""
	if req.Name != nil {
		class = strings.TrimSpace(*req.Name)
	}
	if err := svc.SetClassification(id, class); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated":        id.String(),
		"classification": class,
		"version":        svc.Hierarchy().Version(),
	})
}

func setMeasurementsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	id, err := objectID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var m map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := svc.SetMeasurements(id, m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": id.String(),
		"version": svc.Hierarchy().Version(),
	})
}

func saveObjectsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	info, err := svc.Save()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
