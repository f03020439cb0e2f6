package grid

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// WriteASCII writes g in ESRI ASCII raster format.
func WriteASCII[T Number](w io.Writer, g *Grid[T]) error {
	bw := bufio.NewWriter(w)
	e := g.geom.Extent()
	fmt.Fprintf(bw, "ncols %d\nnrows %d\nxllcorner %s\nyllcorner %s\ncellsize %s\nNODATA_value %s\n",
		g.geom.Cols, g.geom.Rows,
		formatFloat(e.XMin), formatFloat(e.YMin), formatFloat(g.geom.CellSize),
		formatValue(g.nodata))

	for r := 0; r < g.geom.Rows; r++ {
		row := g.data[r*g.geom.Cols : (r+1)*g.geom.Cols]
		for c, v := range row {
			if c > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(formatValue(v))
		}
		bw.WriteByte('\n')
	}
	return eris.Wrap(bw.Flush(), "grid: write ascii")
}

// ReadASCII parses an ESRI ASCII raster. The format carries no CRS, so the
// caller supplies it.
func ReadASCII(r io.Reader, crs string) (*Grid[float64], error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<28)
	sc.Split(bufio.ScanWords)

	header := map[string]float64{}
	var first string
	for sc.Scan() {
		key := strings.ToLower(sc.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			first = key
			break
		}
		if !sc.Scan() {
			return nil, &DataError{Layer: "ascii", Reason: "truncated header at " + key}
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, &DataError{Layer: "ascii", Reason: fmt.Sprintf("bad header value for %s: %q", key, sc.Text())}
		}
		header[key] = v
	}

	cols, rows, cellSize := int(header["ncols"]), int(header["nrows"]), header["cellsize"]
	nodata, ok := header["nodata_value"]
	if !ok {
		nodata = -9999
	}
	xll, hasX := header["xllcorner"]
	yll, hasY := header["yllcorner"]
	if !hasX || !hasY {
		// Centre-registered headers describe the lower-left cell centre.
		xll = header["xllcenter"] - cellSize/2
		yll = header["yllcenter"] - cellSize/2
	}

	geom := Geometry{
		Rows:     rows,
		Cols:     cols,
		CellSize: cellSize,
		OriginX:  xll,
		OriginY:  yll + float64(rows)*cellSize,
		CRS:      crs,
	}
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	data := make([]float64, 0, geom.Cells())
	if first != "" {
		v, _ := strconv.ParseFloat(first, 64)
		data = append(data, v)
	}
	for len(data) < geom.Cells() && sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, &DataError{Layer: "ascii", Reason: fmt.Sprintf("bad cell value %q", sc.Text())}
		}
		data = append(data, v)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "grid: read ascii")
	}
	if len(data) != geom.Cells() {
		return nil, &DataError{Layer: "ascii", Reason: fmt.Sprintf("expected %d cells, read %d", geom.Cells(), len(data))}
	}
	return FromSlice(geom, nodata, data)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatValue[T Number](v T) string {
	switch x := any(v).(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
