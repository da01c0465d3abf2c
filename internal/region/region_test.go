package region

import (
	"errors"
	"math/rand"
	"testing"
)

func testPyramid() Pyramid {
	return Pyramid{
		Levels: []Level{
			{Downsample: 1, Width: 10001, Height: 8003},
			{Downsample: 4, Width: 2500, Height: 2000},
			{Downsample: 16.0003, Width: 625, Height: 500},
		},
		TileWidth:  256,
		TileHeight: 256,
		SizeZ:      3,
		SizeT:      2,
	}
}

func TestPyramidValidate(t *testing.T) {
	tests := []struct {
		name    string
		levels  []Level
		wantErr bool
	}{
		{"valid", testPyramid().Levels, false},
		{"no levels", nil, true},
		{"level0 not full resolution", []Level{{Downsample: 2, Width: 10, Height: 10}}, true},
		{"equal downsample", []Level{{1, 10, 10}, {1, 10, 10}}, true},
		{"decreasing downsample", []Level{{1, 10, 10}, {4, 3, 3}, {2, 5, 5}}, true},
		{"zero width", []Level{{1, 0, 10}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Pyramid{Levels: tt.levels}.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrConfiguration) {
					t.Fatalf("Validate() = %v, want ErrConfiguration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v", err)
			}
		})
	}
}

func TestContains(t *testing.T) {
	p := testPyramid()
	tests := []struct {
		name string
		r    Region
		ok   bool
	}{
		{"inside", Region{Level: 1, X: 10, Y: 10, Width: 100, Height: 100}, true},
		{"whole level", p.Bounds(2, 0, 0), true},
		{"past right edge", Region{Level: 1, X: 2450, Y: 0, Width: 100, Height: 10}, false},
		{"negative", Region{Level: 0, X: -1, Y: 0, Width: 10, Height: 10}, false},
		{"bad level", Region{Level: 3, Width: 1, Height: 1}, false},
		{"empty", Region{Level: 0, Width: 0, Height: 1}, false},
		{"bad z", Region{Level: 0, Width: 1, Height: 1, Z: 3}, false},
		{"last t", Region{Level: 0, Width: 1, Height: 1, T: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Contains(tt.r)
			if tt.ok && err != nil {
				t.Fatalf("Contains(%s) = %v", tt.r, err)
			}
			if !tt.ok && !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Contains(%s) = %v, want ErrOutOfBounds", tt.r, err)
			}
		})
	}
}

func TestIntersect(t *testing.T) {
	a := New(0, 0, 0, 100, 100)
	b := New(0, 50, 60, 100, 100)
	got := Intersect(a, b)
	want := New(0, 50, 60, 50, 40)
	if got != want {
		t.Fatalf("Intersect = %s, want %s", got, want)
	}
	if !Intersect(a, New(0, 100, 0, 10, 10)).IsEmpty() {
		t.Fatal("touching regions should not intersect")
	}
	if Intersect(a, New(1, 0, 0, 10, 10)) != Empty {
		t.Fatal("regions on different levels should not intersect")
	}
	other := a
	other.Z = 1
	if Intersect(a, other) != Empty {
		t.Fatal("regions on different planes should not intersect")
	}
}

func TestToLevelRoundTripContains(t *testing.T) {
	p := testPyramid()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		src := rng.Intn(len(p.Levels))
		lv := p.Levels[src]
		w := 1 + rng.Intn(lv.Width)
		h := 1 + rng.Intn(lv.Height)
		r := Region{
			Level:  src,
			X:      rng.Intn(lv.Width - w + 1),
			Y:      rng.Intn(lv.Height - h + 1),
			Width:  w,
			Height: h,
			Z:      rng.Intn(p.SizeZ),
			T:      rng.Intn(p.SizeT),
		}
		dst := rng.Intn(len(p.Levels))
		mid, err := p.ToLevel(r, dst)
		if err != nil {
			t.Fatalf("ToLevel(%s, %d): %v", r, dst, err)
		}
		back, err := p.ToLevel(mid, src)
		if err != nil {
			t.Fatalf("ToLevel(%s, %d): %v", mid, src, err)
		}
		if back != r && !back.ContainsRegion(r) {
			t.Fatalf("round trip %s -> %s -> %s does not contain original", r, mid, back)
		}
	}
}

func TestToLevelSameLevelIsIdentity(t *testing.T) {
	p := testPyramid()
	r := Region{Level: 1, X: 3, Y: 5, Width: 7, Height: 11, Z: 2, T: 1}
	got, err := p.ToLevel(r, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("ToLevel same level = %s, want %s", got, r)
	}
}

func TestFullResolution(t *testing.T) {
	p := testPyramid()
	rect, err := p.FullResolution(New(1, 10, 20, 5, 5))
	if err != nil {
		t.Fatal(err)
	}
	want := Rect{MinX: 40, MinY: 80, MaxX: 60, MaxY: 100}
	if rect != want {
		t.Fatalf("FullResolution = %+v, want %+v", rect, want)
	}
}

func TestLevelForDownsample(t *testing.T) {
	p := testPyramid()
	for _, tc := range []struct {
		ds   float64
		want int
	}{{0.5, 0}, {1, 0}, {3.9, 0}, {4, 1}, {15, 1}, {100, 2}} {
		if got := p.LevelForDownsample(tc.ds); got != tc.want {
			t.Errorf("LevelForDownsample(%g) = %d, want %d", tc.ds, got, tc.want)
		}
	}
}

func TestRegionAsMapKey(t *testing.T) {
	m := map[Region]int{}
	m[New(0, 1, 2, 3, 4)] = 1
	if m[New(0, 1, 2, 3, 4)] != 1 {
		t.Fatal("structurally equal regions should hash equally")
	}
	r := New(0, 1, 2, 3, 4)
	r.T = 1
	if _, ok := m[r]; ok {
		t.Fatal("regions on different planes should be distinct keys")
	}
}
