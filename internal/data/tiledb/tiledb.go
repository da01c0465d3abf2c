// Package tiledb reads pyramids stored as one dense TileDB array per level.
//
// A slide is a directory whose arrays 0, 1, 2, ... hold the levels from full
// resolution down. Each array has int64 dimensions y and x, optionally
// followed by an int64 channel dimension c, and a uint8 or uint16 attribute
// named "intensity". Downsample factors follow from the level widths.
//
// TileDB needs cgo and libtiledb, so the reader is only compiled with
// -tags tiledb; other builds get a stub that returns ErrUnsupported.
package tiledb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pathtiles/server/internal/imageserver"
)

const (
	// Attribute is the pixel attribute read from every level array.
	Attribute = "intensity"
	// MaxRegion bounds one read so query buffers stay small; larger regions
	// are split by the image server.
	MaxRegion = 4096
)

// ResolveURI cleans path and checks that it holds a level 0 array.
func ResolveURI(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("%w: empty tiledb path", imageserver.ErrConfiguration)
	}
	p = filepath.Clean(os.ExpandEnv(p))
	if _, err := os.Stat(levelURI(p, 0)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: no level 0 array under %s", imageserver.ErrConfiguration, p)
		}
		return "", fmt.Errorf("%w: %w", imageserver.ErrIO, err)
	}
	return p, nil
}

func levelURI(base string, level int) string {
	return filepath.Join(base, strconv.Itoa(level))
}
