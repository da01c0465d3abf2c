// Package colormap provides colour schemes for measurement maps and
// object classifications.
package colormap

import (
	"hash/fnv"
	"image/color"
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates between evenly spaced stops in CIE L*a*b*.
type LinearColormap struct {
	stops []colorful.Color
}

// NewLinear builds a colormap from 8-bit stops. It panics on fewer than two
// stops.
func NewLinear(stops ...color.RGBA) LinearColormap {
	if len(stops) < 2 {
		panic("colormap: need at least two stops")
	}
	c := LinearColormap{stops: make([]colorful.Color, len(stops))}
	for i, s := range stops {
		c.stops[i], _ = colorful.MakeColor(s)
	}
	return c
}

// At returns the color at position t (0-1). NaN maps to the first stop.
func (c LinearColormap) At(t float64) color.Color {
	if !(t > 0) {
		return toRGBA(c.stops[0])
	}
	if t >= 1 {
		return toRGBA(c.stops[len(c.stops)-1])
	}
	idx := t * float64(len(c.stops)-1)
	lower := int(idx)
	return toRGBA(c.stops[lower].BlendLab(c.stops[lower+1], idx-float64(lower)))
}

// AtIndex returns the stop at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return toRGBA(c.stops[wrap(i, len(c.stops))])
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{r, g, b, 255}
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Viridis colormap (matplotlib viridis)
var Viridis = NewLinear(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Plasma colormap
var Plasma = NewLinear(
	color.RGBA{13, 8, 135, 255},
	color.RGBA{75, 3, 161, 255},
	color.RGBA{125, 3, 168, 255},
	color.RGBA{168, 34, 150, 255},
	color.RGBA{203, 70, 121, 255},
	color.RGBA{229, 107, 93, 255},
	color.RGBA{248, 148, 65, 255},
	color.RGBA{253, 195, 40, 255},
	color.RGBA{240, 249, 33, 255},
)

// Inferno colormap
var Inferno = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{40, 11, 84, 255},
	color.RGBA{101, 21, 110, 255},
	color.RGBA{159, 42, 99, 255},
	color.RGBA{212, 72, 66, 255},
	color.RGBA{245, 125, 21, 255},
	color.RGBA{250, 193, 39, 255},
	color.RGBA{252, 255, 164, 255},
)

// Magma colormap
var Magma = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{28, 16, 68, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{129, 37, 129, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{229, 80, 100, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{254, 194, 135, 255},
	color.RGBA{252, 253, 191, 255},
)

// Heat runs from light grey to red, for single-measurement maps.
var Heat = NewLinear(
	color.RGBA{211, 211, 211, 255},
	color.RGBA{255, 0, 0, 255},
)

var byName = map[string]Colormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
	"heat":    Heat,
}

// ByName looks up a colormap by its lower-case name.
func ByName(name string) (Colormap, bool) {
	c, ok := byName[strings.ToLower(name)]
	return c, ok
}

// Names lists the registered colormap names, sorted.
func Names() []string {
	out := make([]string, 0, len(byName))
	for n := range byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// standardClasses are the colours the usual pathology classes are drawn in.
var standardClasses = map[string]color.RGBA{
	"Tumor":        {200, 0, 0, 255},
	"Stroma":       {150, 200, 150, 255},
	"Immune cells": {160, 90, 160, 255},
	"Necrosis":     {50, 50, 50, 255},
	"Other":        {255, 200, 0, 255},
	"Region":       {0, 0, 180, 255},
	"Ignore":       {180, 180, 180, 255},
	"Positive":     {200, 50, 50, 255},
	"Negative":     {112, 112, 225, 255},
}

// Unclassified is the colour of objects without a classification.
var Unclassified = color.RGBA{255, 0, 0, 255}

// ClassColor returns a stable colour for a classification. Standard classes
// have fixed colours; any other name gets a hue derived from its hash at a
// fixed chroma and lightness.
func ClassColor(class string) color.Color {
	if class == "" {
		return Unclassified
	}
	if c, ok := standardClasses[class]; ok {
		return c
	}
	h := fnv.New32a()
	h.Write([]byte(class))
	hue := float64(h.Sum32() % 360)
	return toRGBA(colorful.Hcl(hue, 0.6, 0.6))
}
