package stl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// short name, for convenience
var le = binary.LittleEndian

// Read loads a binary or ASCII STL file and returns its triangles together
// with the header text (binary) or solid name (ASCII).
func Read(path string) ([]Triangle, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return Decode(data)
}

// Decode parses STL data. A payload whose length matches the count in a
// binary header is treated as binary even when the header starts with
// "solid", which some exporters write.
func Decode(data []byte) ([]Triangle, string, error) {
	if len(data) >= headerLen+4 {
		n := uint64(le.Uint32(data[headerLen:]))
		if uint64(len(data)) == headerLen+4+n*recordLen {
			return decodeBinary(data, int(n))
		}
	}
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		return decodeASCII(data)
	}
	return nil, "", fmt.Errorf("not an STL file (%d bytes)", len(data))
}

func decodeBinary(data []byte, n int) ([]Triangle, string, error) {
	header := strings.TrimRight(string(data[:headerLen]), " \x00")
	out := make([]Triangle, n)
	for i := range out {
		rec := data[headerLen+4+i*recordLen:]
		var vals [12]float32
		for c := range vals {
			vals[c] = math.Float32frombits(le.Uint32(rec[4*c:]))
		}
		out[i] = Triangle{
			Normal:  [3]float32{vals[0], vals[1], vals[2]},
			Vertex1: [3]float32{vals[3], vals[4], vals[5]},
			Vertex2: [3]float32{vals[6], vals[7], vals[8]},
			Vertex3: [3]float32{vals[9], vals[10], vals[11]},
		}
	}
	return out, header, nil
}

func decodeASCII(data []byte) ([]Triangle, string, error) {
	var (
		out    []Triangle
		name   string
		cur    Triangle
		nverts int
		line   int
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(sc.Text()), "solid"))
		case "facet":
			if len(fields) != 5 || fields[1] != "normal" {
				return nil, "", fmt.Errorf("line %d: malformed facet", line)
			}
			v, err := parseVec(fields[2:])
			if err != nil {
				return nil, "", fmt.Errorf("line %d: %w", line, err)
			}
			cur = Triangle{Normal: v}
			nverts = 0
		case "vertex":
			if len(fields) != 4 || nverts >= 3 {
				return nil, "", fmt.Errorf("line %d: malformed vertex", line)
			}
			v, err := parseVec(fields[1:])
			if err != nil {
				return nil, "", fmt.Errorf("line %d: %w", line, err)
			}
			switch nverts {
			case 0:
				cur.Vertex1 = v
			case 1:
				cur.Vertex2 = v
			case 2:
				cur.Vertex3 = v
			}
			nverts++
		case "endfacet":
			if nverts != 3 {
				return nil, "", fmt.Errorf("line %d: facet has %d vertices", line, nverts)
			}
			out = append(out, cur)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, "", err
	}
	return out, name, nil
}

func parseVec(fields []string) ([3]float32, error) {
	var v [3]float32
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return v, err
		}
		v[i] = float32(x)
	}
	return v, nil
}
