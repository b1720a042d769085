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
	"bytes"
	"strings"
	"testing"

	"github.com/exascience/elbaq/utils"
)

func TestScanCigarString(t *testing.T) {
	cigar := ScanCigarString("2M1I3M")
	expected := []CigarOperation{{2, 'M'}, {1, 'I'}, {3, 'M'}}
	if len(cigar) != len(expected) {
		t.Fatalf("ScanCigarString length failed: %v", cigar)
	}
	for i, op := range cigar {
		if op != expected[i] {
			t.Errorf("ScanCigarString %v failed: %v", i, op)
		}
	}
	if ReadLengthFromCigar(cigar) != 6 {
		t.Errorf("ReadLengthFromCigar failed: %v", ReadLengthFromCigar(cigar))
	}
	if len(ScanCigarString("*")) != 0 {
		t.Error("ScanCigarString * failed")
	}
	// lower case operations are normalized
	if ScanCigarString("5m")[0].Operation != 'M' {
		t.Error("ScanCigarString lower case failed")
	}
}

func TestAlignmentEnd(t *testing.T) {
	aln := NewAlignment()
	aln.POS = 4
	aln.CIGAR = "2M1I3M"
	if aln.End() != 8 {
		t.Errorf("End failed: %v", aln.End())
	}
	aln.CIGAR = "2M1D3M"
	if aln.End() != 9 {
		t.Errorf("End with deletion failed: %v", aln.End())
	}
	aln.CIGAR = "2S5M2H"
	if aln.End() != 8 {
		t.Errorf("End with clips failed: %v", aln.End())
	}
}

func TestFlags(t *testing.T) {
	aln := NewAlignment()
	aln.FLAG = Multiple | Unmapped | Duplicate
	if !aln.IsMultiple() || !aln.IsUnmapped() || !aln.IsDuplicate() {
		t.Error("flag predicates failed")
	}
	if aln.IsQCFailed() || aln.IsReversed() {
		t.Error("unset flag predicates failed")
	}
	if !aln.FlagEvery(Multiple|Unmapped) || aln.FlagEvery(Multiple|QCFailed) {
		t.Error("FlagEvery failed")
	}
	if !aln.FlagSome(QCFailed|Duplicate) || aln.FlagSome(QCFailed|Secondary) {
		t.Error("FlagSome failed")
	}
	if !aln.FlagNotAny(QCFailed|Secondary) || aln.FlagNotAny(Duplicate) {
		t.Error("FlagNotAny failed")
	}
}

func TestStringAttributes(t *testing.T) {
	bq := utils.Intern("BQ")
	aln := NewAlignment()
	if _, ok := aln.StringAttribute(bq); ok {
		t.Error("unexpected BQ attribute")
	}
	aln.SetStringAttribute(bq, "@@@@@")
	if value, ok := aln.StringAttribute(bq); !ok || value != "@@@@@" {
		t.Errorf("StringAttribute failed: %v", value)
	}
	aln.SetStringAttribute(bq, "@TTT@")
	if value, _ := aln.StringAttribute(bq); value != "@TTT@" {
		t.Errorf("StringAttribute overwrite failed: %v", value)
	}
}

const alignmentLine = "read1\t0\tchr1\t4\t60\t5M\t*\t0\t0\tACGTA\t?????\tBQ:Z:@@@@@"

func TestParseAlignment(t *testing.T) {
	aln, err := ParseAlignmentLine(alignmentLine)
	if err != nil {
		t.Fatal(err)
	}
	if aln.QNAME != "read1" || aln.FLAG != 0 || aln.RNAME != "chr1" ||
		aln.POS != 4 || aln.MAPQ != 60 || aln.CIGAR != "5M" ||
		aln.RNEXT != "*" || aln.PNEXT != 0 || aln.TLEN != 0 ||
		aln.SEQ != "ACGTA" {
		t.Errorf("ParseAlignment failed: %+v", aln)
	}
	// '?' encodes phred 30
	if !bytes.Equal(aln.QUAL, []byte{30, 30, 30, 30, 30}) {
		t.Errorf("QUAL decoding failed: %v", aln.QUAL)
	}
	if value, ok := aln.StringAttribute(utils.Intern("BQ")); !ok || value != "@@@@@" {
		t.Errorf("BQ attribute failed: %v", value)
	}

	out, err := aln.Format(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != alignmentLine+"\n" {
		t.Errorf("Format round trip failed: %v", string(out))
	}
}

func TestParseAlignmentLineErrors(t *testing.T) {
	if _, err := ParseAlignmentLine("read1\t0\tchr1"); err == nil {
		t.Error("expected an error for a truncated line")
	}
	if _, err := ParseAlignmentLine("read1\tx\tchr1\t4\t60\t5M\t*\t0\t0\tACGTA\t?????"); err == nil {
		t.Error("expected an error for a malformed FLAG")
	}
	if _, err := ParseAlignmentLine(alignmentLine + "\tNM:q:0"); err == nil {
		t.Error("expected an error for an unknown field type")
	}
}

func TestOptionalFieldRoundTrip(t *testing.T) {
	line := "read1\t0\tchr1\t4\t60\t5M\t*\t0\t0\tACGTA\t?????\tXB:B:s,-3,4\tXH:H:0fa0\tXF:f:1.5"
	aln, err := ParseAlignmentLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if value, _ := aln.TAGS.Get(utils.Intern("XB")); len(value.([]int16)) != 2 || value.([]int16)[0] != -3 {
		t.Errorf("numeric array failed: %v", value)
	}
	if value, _ := aln.TAGS.Get(utils.Intern("XH")); string(value.(ByteArray)) != "\x0f\xa0" {
		t.Errorf("byte array failed: %v", value)
	}
	if value, _ := aln.TAGS.Get(utils.Intern("XF")); value.(float32) != 1.5 {
		t.Errorf("float field failed: %v", value)
	}
	out, err := aln.Format(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != line+"\n" {
		t.Errorf("optional field round trip failed: %v", string(out))
	}
}

const headerText = "@HD\tVN:1.6\tSO:coordinate\n" +
	"@SQ\tSN:chr1\tLN:11\n" +
	"@SQ\tSN:chr2\tLN:5\n" +
	"@PG\tID:bwa\n" +
	"@CO\tan arbitrary comment\n"

func TestParseHeader(t *testing.T) {
	hdr, err := ParseHeader(bufio.NewReader(strings.NewReader(headerText)))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.HDSO() != Coordinate {
		t.Errorf("HDSO failed: %v", hdr.HDSO())
	}
	if len(hdr.SQ) != 2 || hdr.SQ[0]["SN"] != "chr1" || SQLN(hdr.SQ[1]) != 5 {
		t.Errorf("SQ records failed: %v", hdr.SQ)
	}
	if hdr.ContigLength("chr1") != 11 || hdr.ContigLength("chr3") != 0 {
		t.Error("ContigLength failed")
	}
	if len(hdr.CO) != 1 || hdr.CO[0] != "an arbitrary comment" {
		t.Errorf("CO records failed: %v", hdr.CO)
	}

	// formatting and reparsing preserves the header
	var buf bytes.Buffer
	out := bufio.NewWriter(&buf)
	hdr.Format(out)
	if err := out.Flush(); err != nil {
		t.Fatal(err)
	}
	hdr2, err := ParseHeader(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if hdr2.HDSO() != Coordinate || len(hdr2.SQ) != 2 || hdr2.ContigLength("chr2") != 5 {
		t.Errorf("header round trip failed: %+v", hdr2)
	}
}

func TestAddPGLine(t *testing.T) {
	hdr := NewHeader()
	hdr.PG = append(hdr.PG, utils.StringMap{"ID": "bwa"})
	filter := AddPGLine(utils.StringMap{"ID": "elbaq", "PN": "elbaq"})
	if alnFilter := filter(hdr); alnFilter != nil {
		t.Error("AddPGLine returned an alignment filter")
	}
	if len(hdr.PG) != 2 {
		t.Fatalf("PG record not added: %v", hdr.PG)
	}
	added := hdr.PG[1]
	if added["ID"] != "elbaq" || added["PP"] != "bwa" {
		t.Errorf("PG chain failed: %v", added)
	}

	// a colliding ID gets a fresh unique suffix
	filter = AddPGLine(utils.StringMap{"ID": "elbaq"})
	filter(hdr)
	if len(hdr.PG) != 3 {
		t.Fatalf("second PG record not added: %v", hdr.PG)
	}
	if id := hdr.PG[2]["ID"]; id == "elbaq" || !strings.HasPrefix(id, "elbaq ") {
		t.Errorf("PG ID not made unique: %v", id)
	}
}

func TestQuerynameSort(t *testing.T) {
	alns := []*Alignment{
		{QNAME: "c"}, {QNAME: "a"}, {QNAME: "b"}, {QNAME: "a"},
	}
	By(QNAMELess).ParallelStableSort(alns)
	names := make([]string, len(alns))
	for i, aln := range alns {
		names[i] = aln.QNAME
	}
	if strings.Join(names, "") != "aabc" {
		t.Errorf("sort failed: %v", names)
	}
}
