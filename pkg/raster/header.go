package raster

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"specdiv/pkg/faults"
)

// DataType is the ENVI numeric code for a sample type.
type DataType int

const (
	Byte    DataType = 1
	Int16   DataType = 2
	Int32   DataType = 3
	Float32 DataType = 4
	Float64 DataType = 5
	UInt16  DataType = 12
)

// ByteSize returns the size in bytes of one sample of this type.
func (dt DataType) ByteSize() int {
	switch dt {
	case Byte:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (dt DataType) valid() bool { return dt.ByteSize() > 0 }

// Header holds the ENVI header metadata of a raster: its spatial and
// spectral dimensions, the on-disk sample layout and the optional band
// center wavelengths used by the radiometric filter and the reducer.
type Header struct {
	Samples    int    // columns
	Lines      int    // rows
	Bands      int
	DataType   DataType
	Interleave string // "bsq" or "bil"
	ByteOrder  int    // 0 little endian, 1 big endian

	// IgnoreValue is the declared no-data value; HasIgnore reports
	// whether one was declared.
	IgnoreValue float64
	HasIgnore   bool

	// Wavelengths are band center wavelengths in nanometers, either
	// empty or exactly Bands long.
	Wavelengths []float64

	// MapInfo is the raw "map info" entry, carried through to derived
	// rasters untouched.
	MapInfo string

	Description string
}

// HeaderPath returns the header file path companion to a data file path.
func HeaderPath(dataPath string) string {
	return dataPath + ".hdr"
}

// ParseHeader reads and parses an ENVI header file.
func ParseHeader(path string) (*Header, error) {
	const op = "raster.ParseHeader"

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.IOf(op, "reading header %s: %v", path, err)
	}

	text := string(raw)
	if !strings.HasPrefix(strings.TrimSpace(text), "ENVI") {
		return nil, faults.IOf(op, "%s is not an ENVI header", path)
	}

	entries, err := splitEntries(text)
	if err != nil {
		return nil, faults.IOf(op, "parsing %s: %v", path, err)
	}

	hdr := &Header{Interleave: "bsq"}
	for key, value := range entries {
		switch key {
		case "samples":
			hdr.Samples, err = strconv.Atoi(value)
		case "lines":
			hdr.Lines, err = strconv.Atoi(value)
		case "bands":
			hdr.Bands, err = strconv.Atoi(value)
		case "data type":
			var dt int
			dt, err = strconv.Atoi(value)
			hdr.DataType = DataType(dt)
		case "interleave":
			hdr.Interleave = strings.ToLower(value)
		case "byte order":
			hdr.ByteOrder, err = strconv.Atoi(value)
		case "data ignore value":
			hdr.IgnoreValue, err = strconv.ParseFloat(value, 64)
			hdr.HasIgnore = true
		case "wavelength":
			hdr.Wavelengths, err = parseFloatList(value)
		case "map info":
			hdr.MapInfo = value
		case "description":
			hdr.Description = value
		}
		if err != nil {
			return nil, faults.IOf(op, "%s: bad %q entry: %v", path, key, err)
		}
	}

	if hdr.Samples <= 0 || hdr.Lines <= 0 || hdr.Bands <= 0 {
		return nil, faults.IOf(op, "%s: missing or non-positive dimensions (%dx%dx%d)",
			path, hdr.Lines, hdr.Samples, hdr.Bands)
	}
	if !hdr.DataType.valid() {
		return nil, faults.IOf(op, "%s: unsupported data type %d", path, hdr.DataType)
	}
	if hdr.Interleave != "bsq" && hdr.Interleave != "bil" {
		return nil, faults.IOf(op, "%s: unsupported interleave %q", path, hdr.Interleave)
	}
	if len(hdr.Wavelengths) != 0 && len(hdr.Wavelengths) != hdr.Bands {
		return nil, faults.IOf(op, "%s: %d wavelengths for %d bands",
			path, len(hdr.Wavelengths), hdr.Bands)
	}

	return hdr, nil
}

// splitEntries breaks the header text into key = value entries. Values in
// braces may span multiple lines.
func splitEntries(text string) (map[string]string, error) {
	entries := make(map[string]string)
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || line == "ENVI" || strings.HasPrefix(line, ";") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:eq]))
		value := strings.TrimSpace(line[eq+1:])

		if strings.HasPrefix(value, "{") {
			// Accumulate until the closing brace.
			for !strings.Contains(value, "}") {
				i++
				if i >= len(lines) {
					return nil, fmt.Errorf("unterminated braces for %q", key)
				}
				value += " " + strings.TrimSpace(lines[i])
			}
			value = strings.TrimSuffix(strings.TrimPrefix(value, "{"), "}")
			value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "}"))
		}
		entries[key] = value
	}
	return entries, nil
}

func parseFloatList(value string) ([]float64, error) {
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// WriteHeaderFile writes hdr as an ENVI header at path.
func WriteHeaderFile(path string, hdr *Header) error {
	const op = "raster.WriteHeaderFile"

	var b strings.Builder
	b.WriteString("ENVI\n")
	if hdr.Description != "" {
		fmt.Fprintf(&b, "description = {%s}\n", hdr.Description)
	}
	fmt.Fprintf(&b, "samples = %d\n", hdr.Samples)
	fmt.Fprintf(&b, "lines = %d\n", hdr.Lines)
	fmt.Fprintf(&b, "bands = %d\n", hdr.Bands)
	b.WriteString("header offset = 0\n")
	b.WriteString("file type = ENVI Standard\n")
	fmt.Fprintf(&b, "data type = %d\n", int(hdr.DataType))
	fmt.Fprintf(&b, "interleave = %s\n", hdr.Interleave)
	fmt.Fprintf(&b, "byte order = %d\n", hdr.ByteOrder)
	if hdr.HasIgnore {
		fmt.Fprintf(&b, "data ignore value = %g\n", hdr.IgnoreValue)
	}
	if hdr.MapInfo != "" {
		fmt.Fprintf(&b, "map info = {%s}\n", hdr.MapInfo)
	}
	if len(hdr.Wavelengths) > 0 {
		parts := make([]string, len(hdr.Wavelengths))
		for i, w := range hdr.Wavelengths {
			parts[i] = strconv.FormatFloat(w, 'g', -1, 64)
		}
		fmt.Fprintf(&b, "wavelength = {%s}\n", strings.Join(parts, ", "))
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return faults.IOf(op, "writing header %s: %v", path, err)
	}
	return nil
}
