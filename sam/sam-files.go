// elbaq: a tool for computing base alignment qualities in SAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elbaq/blob/master/LICENSE.txt>.

package sam

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/exascience/elbaq/utils"
)

func splitHeaderFields(body string) (utils.StringMap, error) {
	record := make(utils.StringMap)
	for _, field := range strings.Split(body, "\t") {
		if len(field) < 3 || field[2] != ':' {
			return nil, fmt.Errorf("malformed SAM header field %q", field)
		}
		if !record.SetUniqueEntry(field[:2], field[3:]) {
			return nil, fmt.Errorf("repeated tag %v in a SAM header record", field[:2])
		}
	}
	return record, nil
}

// ParseHeader reads the header section of a SAM file. It stops at the
// first line that does not start with '@', leaving that line in the
// reader.
func ParseHeader(reader *bufio.Reader) (*Header, error) {
	hdr := NewHeader()
	for first := true; ; first = false {
		peek, err := reader.Peek(1)
		if err == io.EOF || (err == nil && peek[0] != '@') {
			return hdr, nil
		}
		if err != nil {
			return hdr, err
		}
		rawLine, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return hdr, err
		}
		line := strings.TrimSuffix(rawLine, "\n")
		if len(line) < 3 {
			return hdr, fmt.Errorf("truncated SAM header line %q", line)
		}
		code, body := line[:3], ""
		if len(line) > 3 {
			if line[3] != '\t' {
				return hdr, fmt.Errorf("missing tab after record type %v in a SAM header", code)
			}
			body = line[4:]
		}
		switch code {
		case "@HD":
			if !first {
				return hdr, errors.New("@HD record after the first SAM header line")
			}
			if hdr.HD, err = splitHeaderFields(body); err != nil {
				return hdr, err
			}
		case "@SQ", "@RG", "@PG":
			record, err := splitHeaderFields(body)
			if err != nil {
				return hdr, err
			}
			switch code {
			case "@SQ":
				hdr.SQ = append(hdr.SQ, record)
			case "@RG":
				hdr.RG = append(hdr.RG, record)
			case "@PG":
				hdr.PG = append(hdr.PG, record)
			}
		case "@CO":
			hdr.CO = append(hdr.CO, body)
		default:
			if !IsHeaderUserTag(code) {
				return hdr, fmt.Errorf("unknown SAM record type code %v", code)
			}
			record, err := splitHeaderFields(body)
			if err != nil {
				return hdr, err
			}
			hdr.AddUserRecord(code, record)
		}
	}
}

func invalidField(err error, field string) error {
	return fmt.Errorf("%v, while parsing SAM field %v", err, field)
}

func signedArray(entries []string, bitSize int) ([]int64, error) {
	values := make([]int64, len(entries))
	for i, entry := range entries {
		value, err := strconv.ParseInt(entry, 10, bitSize)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}

func unsignedArray(entries []string, bitSize int) ([]uint64, error) {
	values := make([]uint64, len(entries))
	for i, entry := range entries {
		value, err := strconv.ParseUint(entry, 10, bitSize)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}

func parseNumericArray(value string) (interface{}, error) {
	entries := strings.Split(value, ",")
	subtype := entries[0]
	if len(subtype) != 1 {
		return nil, fmt.Errorf("missing subtype in numeric array %q", value)
	}
	entries = entries[1:]
	switch subtype[0] {
	case 'c':
		values, err := signedArray(entries, 8)
		if err != nil {
			return nil, err
		}
		result := make([]int8, len(values))
		for i, v := range values {
			result[i] = int8(v)
		}
		return result, nil
	case 'C':
		values, err := unsignedArray(entries, 8)
		if err != nil {
			return nil, err
		}
		result := make([]uint8, len(values))
		for i, v := range values {
			result[i] = uint8(v)
		}
		return result, nil
	case 's':
		values, err := signedArray(entries, 16)
		if err != nil {
			return nil, err
		}
		result := make([]int16, len(values))
		for i, v := range values {
			result[i] = int16(v)
		}
		return result, nil
	case 'S':
		values, err := unsignedArray(entries, 16)
		if err != nil {
			return nil, err
		}
		result := make([]uint16, len(values))
		for i, v := range values {
			result[i] = uint16(v)
		}
		return result, nil
	case 'i':
		values, err := signedArray(entries, 32)
		if err != nil {
			return nil, err
		}
		result := make([]int32, len(values))
		for i, v := range values {
			result[i] = int32(v)
		}
		return result, nil
	case 'I':
		values, err := unsignedArray(entries, 32)
		if err != nil {
			return nil, err
		}
		result := make([]uint32, len(values))
		for i, v := range values {
			result[i] = uint32(v)
		}
		return result, nil
	case 'f':
		result := make([]float32, len(entries))
		for i, entry := range entries {
			value, err := strconv.ParseFloat(entry, 32)
			if err != nil {
				return nil, err
			}
			result[i] = float32(value)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("invalid numeric array subtype %v", subtype)
	}
}

func parseOptionalField(field string) (utils.Symbol, interface{}, error) {
	// TAG:TYPE:VALUE
	if len(field) < 5 || field[2] != ':' || field[4] != ':' {
		return nil, nil, fmt.Errorf("malformed optional field %q in a SAM alignment", field)
	}
	tag := utils.Intern(field[:2])
	value := field[5:]
	switch field[3] {
	case 'A':
		if len(value) != 1 {
			return nil, nil, fmt.Errorf("invalid character value %q in a SAM alignment", value)
		}
		return tag, value[0], nil
	case 'i':
		v, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, nil, invalidField(err, field[:2])
		}
		return tag, int32(v), nil
	case 'f':
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, nil, invalidField(err, field[:2])
		}
		return tag, float32(v), nil
	case 'Z':
		return tag, value, nil
	case 'H':
		if len(value)&1 != 0 {
			return nil, nil, fmt.Errorf("odd-length byte array %q in a SAM alignment", value)
		}
		result := ByteArray(make([]byte, 0, len(value)>>1))
		for i := 0; i < len(value); i += 2 {
			b, err := strconv.ParseUint(value[i:i+2], 16, 8)
			if err != nil {
				return nil, nil, invalidField(err, field[:2])
			}
			result = append(result, byte(b))
		}
		return tag, result, nil
	case 'B':
		v, err := parseNumericArray(value)
		if err != nil {
			return nil, nil, invalidField(err, field[:2])
		}
		return tag, v, nil
	default:
		return nil, nil, fmt.Errorf("unknown optional field type %v in a SAM alignment", string(field[3]))
	}
}

const phredOffset = 33

func phredDecode(qual string) []byte {
	if qual == "*" {
		return nil
	}
	result := make([]byte, len(qual))
	for i := 0; i < len(qual); i++ {
		result[i] = qual[i] - phredOffset
	}
	return result
}

func phredEncode(out []byte, qual []byte) []byte {
	if len(qual) == 0 {
		return append(out, '*')
	}
	for _, q := range qual {
		out = append(out, q+phredOffset)
	}
	return out
}

// ParseAlignmentLine parses one line of the alignment section of a
// SAM file.
func ParseAlignmentLine(line string) (*Alignment, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 11 {
		return nil, fmt.Errorf("SAM alignment line with %v fields instead of at least 11", len(fields))
	}
	aln := NewAlignment()
	aln.QNAME = fields[0]
	flag, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, invalidField(err, "FLAG")
	}
	aln.FLAG = uint16(flag)
	aln.RNAME = fields[2]
	pos, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return nil, invalidField(err, "POS")
	}
	aln.POS = int32(pos)
	mapq, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return nil, invalidField(err, "MAPQ")
	}
	aln.MAPQ = byte(mapq)
	aln.CIGAR = fields[5]
	aln.RNEXT = fields[6]
	pnext, err := strconv.ParseInt(fields[7], 10, 32)
	if err != nil {
		return nil, invalidField(err, "PNEXT")
	}
	aln.PNEXT = int32(pnext)
	tlen, err := strconv.ParseInt(fields[8], 10, 32)
	if err != nil {
		return nil, invalidField(err, "TLEN")
	}
	aln.TLEN = int32(tlen)
	aln.SEQ = fields[9]
	aln.QUAL = phredDecode(fields[10])
	for _, field := range fields[11:] {
		tag, value, err := parseOptionalField(field)
		if err != nil {
			return nil, err
		}
		aln.TAGS.Set(tag, value)
	}
	return aln, nil
}

func writeHeaderRecord(out *bufio.Writer, code string, record utils.StringMap) {
	out.WriteString(code)
	tags := make([]string, 0, len(record))
	for tag := range record {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		out.WriteByte('\t')
		out.WriteString(tag)
		out.WriteByte(':')
		out.WriteString(record[tag])
	}
	out.WriteByte('\n')
}

// Format writes the header section of a SAM file. The fields of each
// record are written in sorted tag order, so formatting is
// deterministic.
func (hdr *Header) Format(out *bufio.Writer) {
	if hdr.HD != nil {
		writeHeaderRecord(out, "@HD", hdr.HD)
	}
	for _, record := range hdr.SQ {
		writeHeaderRecord(out, "@SQ", record)
	}
	for _, record := range hdr.RG {
		writeHeaderRecord(out, "@RG", record)
	}
	for _, record := range hdr.PG {
		writeHeaderRecord(out, "@PG", record)
	}
	for _, comment := range hdr.CO {
		out.WriteString("@CO\t")
		out.WriteString(comment)
		out.WriteByte('\n')
	}
	codes := make([]string, 0, len(hdr.UserRecords))
	for code := range hdr.UserRecords {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		for _, record := range hdr.UserRecords[code] {
			writeHeaderRecord(out, code, record)
		}
	}
}

const hexDigits = "0123456789abcdef"

func appendOptionalField(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	out = append(append(out, '\t'), *tag...)
	switch v := value.(type) {
	case byte:
		return append(append(out, ":A:"...), v), nil
	case int32:
		return strconv.AppendInt(append(out, ":i:"...), int64(v), 10), nil
	case float32:
		return strconv.AppendFloat(append(out, ":f:"...), float64(v), 'g', -1, 32), nil
	case string:
		return append(append(out, ":Z:"...), v...), nil
	case utils.Symbol:
		return append(append(out, ":Z:"...), *v...), nil
	case ByteArray:
		out = append(out, ":H:"...)
		for _, b := range v {
			out = append(out, hexDigits[b>>4], hexDigits[b&0xF])
		}
		return out, nil
	case []int8:
		out = append(out, ":B:c"...)
		for _, x := range v {
			out = strconv.AppendInt(append(out, ','), int64(x), 10)
		}
		return out, nil
	case []uint8:
		out = append(out, ":B:C"...)
		for _, x := range v {
			out = strconv.AppendUint(append(out, ','), uint64(x), 10)
		}
		return out, nil
	case []int16:
		out = append(out, ":B:s"...)
		for _, x := range v {
			out = strconv.AppendInt(append(out, ','), int64(x), 10)
		}
		return out, nil
	case []uint16:
		out = append(out, ":B:S"...)
		for _, x := range v {
			out = strconv.AppendUint(append(out, ','), uint64(x), 10)
		}
		return out, nil
	case []int32:
		out = append(out, ":B:i"...)
		for _, x := range v {
			out = strconv.AppendInt(append(out, ','), int64(x), 10)
		}
		return out, nil
	case []uint32:
		out = append(out, ":B:I"...)
		for _, x := range v {
			out = strconv.AppendUint(append(out, ','), uint64(x), 10)
		}
		return out, nil
	case []float32:
		out = append(out, ":B:f"...)
		for _, x := range v {
			out = strconv.AppendFloat(append(out, ','), float64(x), 'g', -1, 32)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("optional field %v has unsupported type %T", *tag, value)
	}
}

// Format appends the SAM file representation of the alignment,
// including the final newline, to out.
func (aln *Alignment) Format(out []byte) ([]byte, error) {
	out = append(out, aln.QNAME...)
	out = strconv.AppendUint(append(out, '\t'), uint64(aln.FLAG), 10)
	out = append(append(out, '\t'), aln.RNAME...)
	out = strconv.AppendInt(append(out, '\t'), int64(aln.POS), 10)
	out = strconv.AppendUint(append(out, '\t'), uint64(aln.MAPQ), 10)
	out = append(append(out, '\t'), aln.CIGAR...)
	out = append(append(out, '\t'), aln.RNEXT...)
	out = strconv.AppendInt(append(out, '\t'), int64(aln.PNEXT), 10)
	out = strconv.AppendInt(append(out, '\t'), int64(aln.TLEN), 10)
	out = append(append(out, '\t'), aln.SEQ...)
	out = phredEncode(append(out, '\t'), aln.QUAL)
	for _, entry := range aln.TAGS {
		var err error
		if out, err = appendOptionalField(out, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}
	return append(out, '\n'), nil
}

// SAM file extensions.
const (
	SamExt = ".sam"
	BamExt = ".bam"
)

// InputFile represents a SAM file for input.
//
// InputFile implements the pargo pipeline.Source interface, fetching
// batches of alignment lines from the underlying file.
type InputFile struct {
	rc   io.ReadCloser
	buf  *bufio.Reader
	err  error
	data []string
}

// Open opens a SAM file for input.
//
// If the name is "/dev/stdin", then the input is read from os.Stdin.
func Open(name string) (*InputFile, error) {
	switch filepath.Ext(name) {
	case BamExt, ".cram":
		return nil, fmt.Errorf("only the SAM text format is supported when opening %v", name)
	default:
		if name == "/dev/stdin" {
			return &InputFile{rc: os.Stdin, buf: bufio.NewReader(os.Stdin)}, nil
		}
		file, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		return &InputFile{rc: file, buf: bufio.NewReader(file)}, nil
	}
}

// Close closes the SAM input file.
func (f *InputFile) Close() error {
	if f.rc != os.Stdin {
		return f.rc.Close()
	}
	return nil
}

// ParseHeader fetches the header from the SAM file.
func (f *InputFile) ParseHeader() (*Header, error) {
	return ParseHeader(f.buf)
}

// Err implements the method of the pipeline.Source interface.
func (f *InputFile) Err() error {
	return f.err
}

// Prepare implements the method of the pipeline.Source interface.
func (f *InputFile) Prepare(_ context.Context) int {
	return -1
}

// Fetch implements the method of the pipeline.Source interface.
func (f *InputFile) Fetch(size int) int {
	f.data = make([]string, 0, size)
	for len(f.data) < size {
		line, err := f.buf.ReadString('\n')
		if line = strings.TrimSuffix(line, "\n"); line != "" {
			f.data = append(f.data, line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			f.err = err
			break
		}
	}
	return len(f.data)
}

// Data implements the method of the pipeline.Source interface.
func (f *InputFile) Data() interface{} {
	return f.data
}

// OutputFile represents a SAM file for output.
type OutputFile struct {
	wc  io.WriteCloser
	buf *bufio.Writer
}

// Create creates a SAM file for output.
//
// If the name is "/dev/stdout", then the output is written to
// os.Stdout.
func Create(name string) (*OutputFile, error) {
	switch filepath.Ext(name) {
	case BamExt, ".cram":
		return nil, fmt.Errorf("only the SAM text format is supported when creating %v", name)
	default:
		if name == "/dev/stdout" {
			return &OutputFile{wc: os.Stdout, buf: bufio.NewWriter(os.Stdout)}, nil
		}
		file, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		return &OutputFile{wc: file, buf: bufio.NewWriter(file)}, nil
	}
}

// Close closes the SAM output file.
func (f *OutputFile) Close() error {
	if err := f.buf.Flush(); err != nil {
		return err
	}
	if f.wc != os.Stdout {
		return f.wc.Close()
	}
	return nil
}

// FormatHeader writes the header to the SAM file.
func (f *OutputFile) FormatHeader(hdr *Header) error {
	hdr.Format(f.buf)
	return nil
}

// Write writes a block of bytes to the underlying SAM file.
func (f *OutputFile) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}
