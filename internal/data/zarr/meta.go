package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pathtiles/server/internal/imageserver"
)

// arrayMeta represents Zarr v3 array metadata (zarr.json).
type arrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue      any      `json:"fill_value"`
	Codecs         []codec  `json:"codecs"`
	DimensionNames []string `json:"dimension_names,omitempty"`
	ZarrFormat     int      `json:"zarr_format"`
	NodeType       string   `json:"node_type"`
}

type codec struct {
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// groupMeta is the root zarr.json of a multiscale image. The multiscales
// block sits either directly under attributes or under attributes.ome.
type groupMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Attributes struct {
		Multiscales []multiscale `json:"multiscales"`
		OME         struct {
			Multiscales []multiscale `json:"multiscales"`
		} `json:"ome"`
	} `json:"attributes"`
}

type multiscale struct {
	Name     string    `json:"name,omitempty"`
	Axes     []axis    `json:"axes,omitempty"`
	Datasets []dataset `json:"datasets"`
}

type axis struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// UnmarshalJSON accepts both the object form and the older bare-string form
// of an axis.
func (a *axis) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &a.Name)
	}
	type plain axis
	return json.Unmarshal(b, (*plain)(a))
}

type dataset struct {
	Path                      string      `json:"path"`
	CoordinateTransformations []transform `json:"coordinateTransformations,omitempty"`
}

type transform struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale,omitempty"`
}

func (d dataset) scale() []float64 {
	for _, t := range d.CoordinateTransformations {
		if t.Type == "scale" {
			return t.Scale
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s not found", imageserver.ErrConfiguration, path)
		}
		return fmt.Errorf("%w: %w", imageserver.ErrIO, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parsing %s: %w", imageserver.ErrConfiguration, path, err)
	}
	return nil
}

// dims holds the array index of each named axis, or -1 when absent.
type dims struct {
	t, c, z, y, x int
}

// resolveDims maps axis names onto array dimensions. Without names the
// layout follows the usual OME order for the array rank.
func resolveDims(names []string, rank int) (dims, error) {
	if len(names) != rank || slices.Contains(names, "") {
		switch rank {
		case 2:
			names = []string{"y", "x"}
		case 3:
			names = []string{"c", "y", "x"}
		case 4:
			names = []string{"c", "z", "y", "x"}
		case 5:
			names = []string{"t", "c", "z", "y", "x"}
		default:
			return dims{}, fmt.Errorf("%w: unsupported array rank %d", imageserver.ErrConfiguration, rank)
		}
	}
	d := dims{t: -1, c: -1, z: -1, y: -1, x: -1}
	for i, n := range names {
		var slot *int
		switch strings.ToLower(n) {
		case "t":
			slot = &d.t
		case "c":
			slot = &d.c
		case "z":
			slot = &d.z
		case "y":
			slot = &d.y
		case "x":
			slot = &d.x
		default:
			return dims{}, fmt.Errorf("%w: unknown axis %q", imageserver.ErrConfiguration, n)
		}
		if *slot >= 0 {
			return dims{}, fmt.Errorf("%w: axis %q repeated", imageserver.ErrConfiguration, n)
		}
		*slot = i
	}
	if d.x < 0 || d.y < 0 {
		return dims{}, fmt.Errorf("%w: array has no x/y axes", imageserver.ErrConfiguration)
	}
	return d, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8":
		return 1, nil
	case "uint16":
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: unsupported zarr data_type: %s", imageserver.ErrConfiguration, dataType)
	}
}

func fillValue(meta *arrayMeta) (uint16, error) {
	limit := float64(math.MaxUint8)
	if meta.DataType == "uint16" {
		limit = math.MaxUint16
	}
	switch v := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 || v > limit || v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: fill_value %v invalid for %s", imageserver.ErrConfiguration, v, meta.DataType)
		}
		return uint16(v), nil
	default:
		return 0, fmt.Errorf("%w: unsupported fill_value type %T", imageserver.ErrConfiguration, v)
	}
}

// parseCodecs checks the codec chain and returns the byte order of the
// array codec plus the bytes-to-bytes codecs in decode order.
func parseCodecs(cs []codec) (bigEndian bool, filters []string, err error) {
	seenBytes := false
	for _, c := range cs {
		switch c.Name {
		case "bytes":
			if seenBytes {
				return false, nil, fmt.Errorf("%w: bytes codec repeated", imageserver.ErrConfiguration)
			}
			seenBytes = true
			if e, _ := c.Configuration["endian"].(string); e == "big" {
				bigEndian = true
			}
		case "zstd", "gzip":
			if !seenBytes {
				return false, nil, fmt.Errorf("%w: %s codec before bytes codec", imageserver.ErrConfiguration, c.Name)
			}
			filters = append(filters, c.Name)
		default:
			return false, nil, fmt.Errorf("%w: unsupported codec %q", imageserver.ErrConfiguration, c.Name)
		}
	}
	if !seenBytes {
		return false, nil, fmt.Errorf("%w: missing bytes codec", imageserver.ErrConfiguration)
	}
	slices.Reverse(filters)
	return bigEndian, filters, nil
}

// chunkKey encodes chunk grid coordinates as a store-relative path.
func chunkKey(meta *arrayMeta, idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if meta.ChunkKeyEncoding.Name == "v2" {
		if sep == "" {
			sep = "."
		}
		return strings.Join(parts, sep)
	}
	if sep == "" {
		sep = "/"
	}
	return "c" + sep + strings.Join(parts, sep)
}

// truncatedShape returns the shape of chunk idx clipped to the array, as
// written by stores that do not pad edge chunks.
func truncatedShape(meta *arrayMeta, idx []int) []int {
	out := make([]int, len(meta.Shape))
	for d, n := range meta.ChunkGrid.Configuration.ChunkShape {
		out[d] = min(n, meta.Shape[d]-idx[d]*n)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= shape[d]
	}
	return s
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
