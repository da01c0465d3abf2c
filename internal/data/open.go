// Package data opens slides with the decoder plugin matching their format.
package data

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pathtiles/server/internal/data/raster"
	"github.com/pathtiles/server/internal/data/tiledb"
	"github.com/pathtiles/server/internal/data/zarr"
	"github.com/pathtiles/server/internal/imageserver"
)

// Formats lists the names accepted by Open.
var Formats = []string{"zarr", "raster", "tiledb"}

// Open returns a decoder for the slide at path. An empty format is guessed
// from the path: *.zarr directories are Zarr, *.tiledb directories are
// TileDB and everything else is read as a raster file. tileSize only
// applies to raster files.
func Open(format, path string, tileSize int) (imageserver.Decoder, error) {
	if format == "" {
		format = Detect(path)
	}
	var (
		dec imageserver.Decoder
		err error
	)
	switch strings.ToLower(format) {
	case "zarr", "ome-zarr":
		dec, err = zarr.Open(path)
	case "tiledb":
		dec, err = tiledb.Open(path)
	case "raster", "png", "jpeg", "jpg", "tiff", "tif", "gif", "bmp", "webp":
		dec, err = raster.Open(path, tileSize)
	default:
		return nil, fmt.Errorf("%w: unknown slide format %q (have %s)", imageserver.ErrConfiguration, format, strings.Join(Formats, ", "))
	}
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// Detect guesses a format name from the path extension.
func Detect(path string) string {
	switch strings.ToLower(filepath.Ext(strings.TrimRight(path, `/\`))) {
	case ".zarr":
		return "zarr"
	case ".tiledb":
		return "tiledb"
	default:
		return "raster"
	}
}
