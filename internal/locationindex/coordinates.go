package locationindex

import "math"

// zoomLevelTileLength pairs OpenStreetMap zoom levels with their
// approximate tile side length in kilometers (spec §3), used to pick the
// zoom level whose tile size is closest to the configured cell size.
var zoomLevelTileLength = []struct {
	zoom       uint8
	tileLength float64
}{
	{9, 305.0},
	{10, 153.0},
	{11, 76.5},
	{12, 38.2},
	{13, 19.1},
	{14, 9.55},
	{15, 4.77},
	{16, 2.39},
	{17, 1.19},
}

func findNearestZoomLevel(squareKm int) (uint8, float64) {
	target := float64(squareKm)
	zoom, length := zoomLevelTileLength[0].zoom, zoomLevelTileLength[0].tileLength
	best := math.Abs(target - length)
	for _, z := range zoomLevelTileLength {
		d := math.Abs(target - z.tileLength)
		if d < best {
			best = d
			zoom = z.zoom
			length = z.tileLength
		}
	}
	return zoom, length
}

// tileX maps a longitude in degrees to an OSM slippy-map tile x index at
// the given zoom (see wiki.openstreetmap.org/wiki/Slippy_map_tilenames).
func tileX(longitudeDeg float64, zoom uint8) uint32 {
	n := math.Pow(2, float64(zoom))
	return uint32(n * ((longitudeDeg + 180.0) / 360.0))
}

// tileY maps a latitude in degrees to an OSM slippy-map tile y index.
func tileY(latitudeDeg float64, zoom uint8) uint32 {
	n := math.Pow(2, float64(zoom))
	latRad := latitudeDeg * math.Pi / 180
	y := n * (1.0 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2.0
	return uint32(y)
}

// Coordinates converts between WGS84 latitude/longitude pairs and the
// grid's (x, y) cells, grounded on the CoordinateManager in
// original_source/crates/server_data/src/index.rs.
type Coordinates struct {
	minLat, minLon, maxLat, maxLon float64
	zoom                           uint8
	tileSideLengthKm               float64
}

// NewCoordinates builds a Coordinates for a bounding box and the
// configured target cell size in square kilometers.
func NewCoordinates(minLat, minLon, maxLat, maxLon float64, cellSquareKm int) *Coordinates {
	zoom, tileLen := findNearestZoomLevel(cellSquareKm)
	return &Coordinates{minLat: minLat, minLon: minLon, maxLat: maxLat, maxLon: maxLon, zoom: zoom, tileSideLengthKm: tileLen}
}

// ZoomLevel returns the OSM zoom level chosen for the configured cell size.
func (c *Coordinates) ZoomLevel() uint8 { return c.zoom }

// TileSideLengthKm returns the approximate cell side length in kilometers.
func (c *Coordinates) TileSideLengthKm() float64 { return c.tileSideLengthKm }

func (c *Coordinates) yMaxTile() uint32 { return tileY(c.minLat, c.zoom) }
func (c *Coordinates) xMaxTile() uint32 { return tileX(c.maxLon, c.zoom) }

// Height returns the grid height in cells.
func (c *Coordinates) Height() uint16 {
	yStart := tileY(c.maxLat, c.zoom)
	h := int64(c.yMaxTile()) - int64(yStart)
	if h < 1 {
		h = 1
	}
	return uint16(h)
}

// Width returns the grid width in cells.
func (c *Coordinates) Width() uint16 {
	xStart := tileX(c.minLon, c.zoom)
	w := int64(c.xMaxTile()) - int64(xStart)
	if w < 1 {
		w = 1
	}
	return uint16(w)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampU16(v, lo, hi uint16) uint16 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ToIndexKey converts a latitude/longitude pair into a grid cell. The
// border row and column (index 0) are reserved so the iterator can use
// them as an always-empty sentinel, matching the Rust implementation's
// "(0,0) never appears" behavior.
func (c *Coordinates) ToIndexKey(latitude, longitude float64) (x, y uint16) {
	longitude = clamp(longitude, c.minLon, c.maxLon)
	latitude = clamp(latitude, c.minLat, c.maxLat)

	xTile := tileX(longitude, c.zoom)
	xVal := uint16(int64(c.xMaxTile()) - int64(xTile))
	x = clampU16(xVal, 1, c.Width()-1)

	yTile := tileY(latitude, c.zoom)
	yVal := uint16(int64(c.yMaxTile()) - int64(yTile))
	y = clampU16(yVal, 1, c.Height()-1)

	return x, y
}
