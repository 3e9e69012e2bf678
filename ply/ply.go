// Package ply reads and writes point sets in the PLY format.
//
// Reading supports ascii, binary_little_endian and binary_big_endian files
// with any scalar property type; list properties are skipped. Writing always
// produces binary_little_endian float properties.
package ply

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Format is the body encoding of a PLY file.
type Format int

const (
	ASCII Format = iota
	BinaryLittleEndian
	BinaryBigEndian
)

func (f Format) String() string {
	switch f {
	case ASCII:
		return "ascii"
	case BinaryLittleEndian:
		return "binary_little_endian"
	case BinaryBigEndian:
		return "binary_big_endian"
	}
	return "unknown"
}

func parseFormat(s string) (Format, error) {
	switch s {
	case "ascii":
		return ASCII, nil
	case "binary_little_endian":
		return BinaryLittleEndian, nil
	case "binary_big_endian":
		return BinaryBigEndian, nil
	}
	return 0, fmt.Errorf("%w: unknown format %q", ErrMalformed, s)
}

// ErrMalformed reports a header or body that cannot be decoded.
var ErrMalformed = errors.New("ply: malformed file")

// maxPrealloc caps the rows reserved per column before any record is read.
const maxPrealloc = 1 << 16

// listCount validates a list length prefix.
func listCount(v float64, record int) (int, error) {
	if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: record %d: bad list count %v", ErrMalformed, record, v)
	}
	return int(v), nil
}

// Property is one property of an element. List properties carry the type
// of their count prefix in CountType.
type Property struct {
	Name      string
	Type      string
	List      bool
	CountType string
}

// Element is a named record type and its record count.
type Element struct {
	Name       string
	Count      int
	Properties []Property
}

// Header is the decoded PLY header.
type Header struct {
	Format   Format
	Comments []string
	Elements []Element
}

// scalarSize returns the byte size of a PLY scalar type, or 0 if unknown.
func scalarSize(typ string) int {
	switch typ {
	case "char", "int8", "uchar", "uint8":
		return 1
	case "short", "int16", "ushort", "uint16":
		return 2
	case "int", "int32", "uint", "uint32", "float", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

// ReadHeader parses the header up to and including end_header.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return nil, fmt.Errorf("%w: missing magic", ErrMalformed)
	}
	h := &Header{}
	haveFormat := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: header not terminated: %v", ErrMalformed, err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: bad format line", ErrMalformed)
			}
			if h.Format, err = parseFormat(fields[1]); err != nil {
				return nil, err
			}
			haveFormat = true
		case "comment", "obj_info":
			h.Comments = append(h.Comments, strings.TrimSpace(strings.TrimPrefix(line, fields[0])))
		case "element":
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: bad element line %q", ErrMalformed, strings.TrimSpace(line))
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return nil, fmt.Errorf("%w: bad element count %q", ErrMalformed, fields[2])
			}
			h.Elements = append(h.Elements, Element{Name: fields[1], Count: count})
		case "property":
			if len(h.Elements) == 0 {
				return nil, fmt.Errorf("%w: property before element", ErrMalformed)
			}
			p, err := parseProperty(fields)
			if err != nil {
				return nil, err
			}
			el := &h.Elements[len(h.Elements)-1]
			for _, q := range el.Properties {
				if q.Name == p.Name {
					return nil, fmt.Errorf("%w: duplicate property %s in element %s", ErrMalformed, p.Name, el.Name)
				}
			}
			el.Properties = append(el.Properties, p)
		case "end_header":
			if !haveFormat {
				return nil, fmt.Errorf("%w: missing format line", ErrMalformed)
			}
			return h, nil
		default:
			return nil, fmt.Errorf("%w: unexpected header keyword %q", ErrMalformed, fields[0])
		}
	}
}

func parseProperty(fields []string) (Property, error) {
	if len(fields) == 5 && fields[1] == "list" {
		if scalarSize(fields[2]) == 0 || scalarSize(fields[3]) == 0 {
			return Property{}, fmt.Errorf("%w: bad list property types", ErrMalformed)
		}
		return Property{Name: fields[4], Type: fields[3], List: true, CountType: fields[2]}, nil
	}
	if len(fields) != 3 || scalarSize(fields[1]) == 0 {
		return Property{}, fmt.Errorf("%w: bad property line %v", ErrMalformed, fields)
	}
	return Property{Name: fields[2], Type: fields[1]}, nil
}

// Read decodes the scalar properties of the named element into a Table.
// Other elements are read and discarded.
func Read(r io.Reader, element string) (*Table, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	var table *Table
	for _, el := range h.Elements {
		var t *Table
		if el.Name == element {
			// columns grow with the records actually read, not the header count
			t = NewTable(0)
			for _, p := range el.Properties {
				if !p.List {
					t.addEmpty(p.Name, p.Type, min(el.Count, maxPrealloc))
				}
			}
		}
		if err := readElement(br, h.Format, el, t); err != nil {
			return nil, fmt.Errorf("element %s: %w", el.Name, err)
		}
		if t != nil {
			t.Len = el.Count
			table = t
			break
		}
	}
	if table == nil {
		return nil, fmt.Errorf("%w: no %q element", ErrMalformed, element)
	}
	return table, nil
}

// ReadFile opens path and reads the named element.
func ReadFile(path, element string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Read(f, element)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return t, nil
}

// readElement decodes every record of el. Scalar values are stored into t
// when t is non-nil.
func readElement(r *bufio.Reader, format Format, el Element, t *Table) error {
	if format == ASCII {
		return readASCII(r, el, t)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if format == BinaryBigEndian {
		order = binary.BigEndian
	}
	var buf [8]byte
	read := func(typ string) (float64, error) {
		n := scalarSize(typ)
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return 0, err
		}
		return decodeScalar(buf[:n], typ, order), nil
	}
	for i := 0; i < el.Count; i++ {
		for _, p := range el.Properties {
			if p.List {
				v, err := read(p.CountType)
				if err != nil {
					return err
				}
				count, err := listCount(v, i)
				if err != nil {
					return err
				}
				skip := count * scalarSize(p.Type)
				if _, err := r.Discard(skip); err != nil {
					return err
				}
				continue
			}
			v, err := read(p.Type)
			if err != nil {
				return err
			}
			if t != nil {
				t.Columns[p.Name] = append(t.Columns[p.Name], float32(v))
			}
		}
	}
	return nil
}

func decodeScalar(b []byte, typ string, order binary.ByteOrder) float64 {
	switch typ {
	case "char", "int8":
		return float64(int8(b[0]))
	case "uchar", "uint8":
		return float64(b[0])
	case "short", "int16":
		return float64(int16(order.Uint16(b)))
	case "ushort", "uint16":
		return float64(order.Uint16(b))
	case "int", "int32":
		return float64(int32(order.Uint32(b)))
	case "uint", "uint32":
		return float64(order.Uint32(b))
	case "float", "float32":
		return float64(math.Float32frombits(order.Uint32(b)))
	case "double", "float64":
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func readASCII(r *bufio.Reader, el Element, t *Table) error {
	for i := 0; i < el.Count; i++ {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return err
		}
		tokens := strings.Fields(line)
		pos := 0
		next := func() (float64, error) {
			if pos >= len(tokens) {
				return 0, fmt.Errorf("%w: record %d is short", ErrMalformed, i)
			}
			v, err := strconv.ParseFloat(tokens[pos], 64)
			pos++
			if err != nil {
				return 0, fmt.Errorf("%w: record %d: %v", ErrMalformed, i, err)
			}
			return v, nil
		}
		for _, p := range el.Properties {
			v, err := next()
			if err != nil {
				return err
			}
			if p.List {
				count, err := listCount(v, i)
				if err != nil {
					return err
				}
				if count > len(tokens)-pos {
					return fmt.Errorf("%w: record %d: list %s is short", ErrMalformed, i, p.Name)
				}
				pos += count
				continue
			}
			if t != nil {
				t.Columns[p.Name] = append(t.Columns[p.Name], float32(v))
			}
		}
	}
	return nil
}

// Write encodes t as a single element in binary_little_endian with float
// properties in column order.
func Write(w io.Writer, element string, t *Table) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat binary_little_endian 1.0\nelement %s %d\n", element, t.Len)
	for _, name := range t.Names {
		fmt.Fprintf(bw, "property float %s\n", name)
	}
	bw.WriteString("end_header\n")

	cols := make([][]float32, len(t.Names))
	for j, name := range t.Names {
		cols[j] = t.Columns[name]
	}
	var buf [4]byte
	for i := 0; i < t.Len; i++ {
		for _, col := range cols {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(col[i]))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteFile writes t to path, creating or truncating it.
func WriteFile(path, element string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, element, t); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
