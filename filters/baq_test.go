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

package filters

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/exascience/elbaq/fasta"
	"github.com/exascience/elbaq/sam"
)

func newAln(qname string, flag uint16, rname string, pos int32, cigar, seq string, qual []byte) *sam.Alignment {
	aln := sam.NewAlignment()
	aln.QNAME = qname
	aln.FLAG = flag
	aln.RNAME = rname
	aln.POS = pos
	aln.MAPQ = 60
	aln.CIGAR = cigar
	aln.RNEXT = "*"
	aln.SEQ = seq
	aln.QUAL = qual
	return aln
}

func openTestReference(t *testing.T, contigs map[string][]byte) *fasta.MappedFasta {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.elfasta")
	fasta.ToElfasta(contigs, path)
	return fasta.OpenElfasta(path)
}

func checkBqNear(t *testing.T, label string, bq, expected []byte) {
	t.Helper()
	if len(bq) != len(expected) {
		t.Fatalf("%v: bq length is %v, want %v", label, len(bq), len(expected))
	}
	for i := range bq {
		diff := int(bq[i]) - int(expected[i])
		if diff < -1 || diff > 1 {
			t.Errorf("%v: bq[%v] is %v, want %v", label, i, bq[i], expected[i])
		}
	}
}

func TestCalcBaqFromRefPerfectMatch(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 4, "5M", "ACGTA", repeatQual(30, 5))
	result := NewBaq().CalcBaqFromRef(aln, []byte("GGGACGTAGGG"), -3)
	if result == nil {
		t.Fatal("no result for perfect match")
	}
	if !bytes.Equal(result.Bq, []byte{30, 30, 30, 30, 30}) {
		t.Errorf("perfect match bq failed: %v", result.Bq)
	}
	for i, s := range result.State {
		if StateAlignedPosition(s) != int32(i+3) || StateIsIndel(s) {
			t.Errorf("perfect match state %v failed: %v", i, s)
		}
	}
}

func TestCalcBaqFromRefMismatch(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 4, "5M", "ACATA", repeatQual(40, 5))
	result := NewBaq().CalcBaqFromRef(aln, []byte("GGGACGTAGGG"), -3)
	if result == nil {
		t.Fatal("no result for mismatch")
	}
	checkBqNear(t, "mismatch", result.Bq, []byte{23, 23, 20, 23, 23})
	for i, b := range result.Bq {
		if b >= 40 {
			t.Errorf("mismatch read base %v not downweighted: %v", i, b)
		}
	}
	if result.Bq[2] >= result.Bq[0] {
		t.Errorf("mismatched base not downweighted below its neighbours: %v", result.Bq)
	}
}

func TestCalcBaqFromRefAmbiguousBase(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 4, "5M", "ACGTA", repeatQual(30, 5))
	result := NewBaq().CalcBaqFromRef(aln, []byte("GGGACNTAGGG"), -3)
	if result == nil {
		t.Fatal("no result for ambiguous base")
	}
	// no evidence to downweight the base opposite the N
	if !bytes.Equal(result.Bq, []byte{30, 30, 30, 30, 30}) {
		t.Errorf("ambiguous base bq failed: %v", result.Bq)
	}
}

func TestCalcBaqFromRefAllAmbiguousWindow(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 1, "5M", "ACGTA", repeatQual(10, 5))
	result := NewBaq().CalcBaqFromRef(aln, []byte("NNNNN"), 0)
	if result == nil {
		t.Fatal("no result for all ambiguous window")
	}
	if !bytes.Equal(result.Bq, []byte{10, 10, 10, 10, 10}) {
		t.Errorf("all ambiguous bq failed: %v", result.Bq)
	}
	for i, s := range result.State {
		if StateAlignedPosition(s) != int32(i) || StateIsIndel(s) {
			t.Errorf("all ambiguous state %v failed: %v", i, s)
		}
	}
}

func TestCalcBaqFromRefInsertion(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 4, "2M1I3M", "ACGGTA", repeatQual(30, 6))
	result := NewBaq().CalcBaqFromRef(aln, []byte("GGGACGTAGGG"), -3)
	if result == nil {
		t.Fatal("no result for insertion")
	}
	// the inserted base keeps its raw quality
	if result.Bq[2] != 30 {
		t.Errorf("inserted base bq failed: %v", result.Bq[2])
	}
	for _, i := range []int{0, 1, 4, 5} {
		if result.Bq[i] != 30 {
			t.Errorf("insertion bq[%v] failed: %v", i, result.Bq[i])
		}
	}
	// the matched base after the insertion is ambiguous with the insert
	if result.Bq[3] > 4 {
		t.Errorf("base after insertion not downweighted: %v", result.Bq[3])
	}
}

func TestCalcBaqFromRefInsertionState(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 4, "2M2I3M", "ACGGGTA", repeatQual(30, 7))
	result := NewBaq().CalcBaqFromRef(aln, []byte("GGGACGTAGGG"), -3)
	if result == nil {
		t.Fatal("no result for insertion state")
	}
	// bases in the I run keep their raw qualities
	if result.Bq[2] != 30 || result.Bq[3] != 30 {
		t.Errorf("inserted bases bq failed: %v", result.Bq)
	}
	// the base after the I run decodes to an insert state, and is zeroed
	if result.Bq[4] != 0 {
		t.Errorf("indel state base not zeroed: %v", result.Bq)
	}
	if result.Bq[5] != 30 || result.Bq[6] != 30 {
		t.Errorf("trailing matches bq failed: %v", result.Bq)
	}
}

func TestCalcBaqFromRefDeletion(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 4, "2M1D3M", "ACCTA", repeatQual(30, 5))
	result := NewBaq().CalcBaqFromRef(aln, []byte("GGGACCCTAGGG"), -3)
	if result == nil {
		t.Fatal("no result for deletion")
	}
	checkBqNear(t, "deletion", result.Bq, []byte{6, 6, 4, 25, 25})
	for i, b := range result.Bq {
		if b >= 30 {
			t.Errorf("base %v near deletion not downweighted: %v", i, b)
		}
	}
}

func TestCalcBaqFromRefNCigar(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 4, "2M1N2M", "ACTA", repeatQual(30, 4))
	if result := NewBaq().CalcBaqFromRef(aln, []byte("GGGACGTAGGG"), -3); result != nil {
		t.Errorf("expected no result for an N CIGAR, got %v", result)
	}
}

func TestCalcBaqFromHMM(t *testing.T) {
	reference := openTestReference(t, map[string][]byte{
		"chr1": []byte("GGGACGTAGGG"),
		"chr2": []byte("ACGTA"),
	})
	defer reference.Close()

	aln := newAln("read1", 0, "chr1", 4, "5M", "ACGTA", repeatQual(30, 5))
	result := NewBaq().CalcBaqFromHMM(aln, reference)
	if result == nil {
		t.Fatal("no result for in-range read")
	}
	if result.RefOffset != -3 {
		t.Errorf("refOffset failed: %v", result.RefOffset)
	}
	if !bytes.Equal(result.RefBases, []byte("GGGACGTAGGG")) {
		t.Errorf("reference window failed: %v", string(result.RefBases))
	}
	if !bytes.Equal(result.Bq, []byte{30, 30, 30, 30, 30}) {
		t.Errorf("bq failed: %v", result.Bq)
	}

	// the window would extend past the end of chr2
	aln = newAln("read2", 0, "chr2", 1, "5M", "ACGTA", repeatQual(30, 5))
	if result := NewBaq().CalcBaqFromHMM(aln, reference); result != nil {
		t.Errorf("expected no result for an out-of-range window, got %v", result)
	}
}

func TestMonotoneCap(t *testing.T) {
	bases := []byte("ACGT")
	contig := make([]byte, 300)
	for i := range contig {
		contig[i] = bases[rand.Intn(4)]
	}
	reference := openTestReference(t, map[string][]byte{"chr1": contig})
	defer reference.Close()

	baq := NewBaq()
	for r := 0; r < 15; r++ {
		offset := 3 + rand.Intn(len(contig)-30)
		seq := append([]byte(nil), contig[offset:offset+20]...)
		qual := make([]byte, 20)
		for i := range qual {
			qual[i] = byte(20 + rand.Intn(21))
		}
		for m := 0; m < 2; m++ {
			seq[rand.Intn(20)] = bases[rand.Intn(4)]
		}
		aln := newAln("read", 0, "chr1", int32(offset+1), "20M", string(seq), qual)
		result := baq.CalcBaqFromHMM(aln, reference)
		if result == nil {
			t.Fatalf("no result for read %v at %v", r, offset)
		}
		for i, b := range result.Bq {
			if b > qual[i] {
				t.Errorf("read %v: bq[%v] exceeds the raw quality: %v > %v", r, i, b, qual[i])
			}
		}
	}
}

func TestEncodeBaqTag(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 1, "3M", "ACG", []byte{40, 40, 40})
	tag := EncodeBaqTag(aln, []byte{40, 20, 10})
	if tag != string([]byte{64, 84, 94}) {
		t.Errorf("encoded tag failed: %v", []byte(tag))
	}
	AddBaqTag(aln, []byte{40, 20, 10})
	if !HasBaqTag(aln) {
		t.Error("BQ tag missing after AddBaqTag")
	}
	if !bytes.Equal(GetBaqTag(aln), []byte{64, 84, 94}) {
		t.Errorf("BQ tag failed: %v", GetBaqTag(aln))
	}
	if quals := CalcBaqFromTag(aln, false, false); !bytes.Equal(quals, []byte{40, 20, 10}) {
		t.Errorf("decoded quals failed: %v", quals)
	}
	// the original qualities are left alone unless requested otherwise
	if !bytes.Equal(aln.QUAL, []byte{40, 40, 40}) {
		t.Errorf("original quals modified: %v", aln.QUAL)
	}
	CalcBaqFromTag(aln, true, false)
	if !bytes.Equal(aln.QUAL, []byte{40, 20, 10}) {
		t.Errorf("overwritten quals failed: %v", aln.QUAL)
	}
}

func TestCalcBaqFromTagMissing(t *testing.T) {
	aln := newAln("read1", 0, "chr1", 1, "3M", "ACG", []byte{40, 40, 40})
	if quals := CalcBaqFromTag(aln, false, true); !bytes.Equal(quals, []byte{40, 40, 40}) {
		t.Errorf("raw quals not returned for a missing tag: %v", quals)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for a missing BQ tag")
		}
	}()
	CalcBaqFromTag(aln, false, false)
}

func TestBaqTagRoundTrip(t *testing.T) {
	for trial := 0; trial < 100; trial++ {
		n := 1 + rand.Intn(50)
		raw := make([]byte, n)
		bq := make([]byte, n)
		for i := 0; i < n; i++ {
			raw[i] = byte(rand.Intn(64))
			bq[i] = byte(rand.Intn(int(raw[i]) + 1))
		}
		aln := newAln("read1", 0, "chr1", 1, "", "", raw)
		AddBaqTag(aln, bq)
		if decoded := CalcBaqFromTag(aln, false, false); !bytes.Equal(decoded, bq) {
			t.Fatalf("round trip failed: raw %v bq %v decoded %v", raw, bq, decoded)
		}
	}
}

func TestExcludeReadFromBaq(t *testing.T) {
	if ExcludeReadFromBaq(newAln("r", 0, "chr1", 1, "3M", "ACG", repeatQual(30, 3))) {
		t.Error("mapped read excluded")
	}
	for _, flag := range []uint16{sam.Unmapped, sam.QCFailed, sam.Duplicate} {
		if !ExcludeReadFromBaq(newAln("r", flag, "chr1", 1, "3M", "ACG", repeatQual(30, 3))) {
			t.Errorf("read with flag %v not excluded", flag)
		}
	}
	if ExcludeReadFromBaq(newAln("r", sam.Secondary|sam.Reversed, "chr1", 1, "3M", "ACG", repeatQual(30, 3))) {
		t.Error("secondary read excluded")
	}
}

func TestBaqReadModes(t *testing.T) {
	reference := openTestReference(t, map[string][]byte{
		"chr1": []byte("GGGACGTAGGG"),
		"chr2": []byte("ACGTA"),
	})
	defer reference.Close()
	baq := NewBaq()

	perfectRead := func() *sam.Alignment {
		return newAln("read1", 0, "chr1", 4, "5M", "ACGTA", repeatQual(30, 5))
	}
	mismatchRead := func() *sam.Alignment {
		return newAln("read2", 0, "chr1", 4, "5M", "ACATA", repeatQual(40, 5))
	}

	// calculation mode None leaves the read untouched
	aln := mismatchRead()
	quals := baq.BaqRead(aln, reference, None, OverwriteQuals)
	if !bytes.Equal(quals, repeatQual(40, 5)) || !bytes.Equal(aln.QUAL, repeatQual(40, 5)) || HasBaqTag(aln) {
		t.Error("mode None modified the read")
	}

	// excluded reads are left untouched
	aln = mismatchRead()
	aln.FLAG |= sam.Duplicate
	baq.BaqRead(aln, reference, Recalculate, OverwriteQuals)
	if !bytes.Equal(aln.QUAL, repeatQual(40, 5)) || HasBaqTag(aln) {
		t.Error("excluded read modified")
	}

	// AddTag stores the BQ tag and leaves the qualities alone
	aln = perfectRead()
	baq.BaqRead(aln, reference, Recalculate, AddTag)
	if !bytes.Equal(aln.QUAL, repeatQual(30, 5)) {
		t.Error("AddTag modified the qualities")
	}
	if tag, ok := aln.StringAttribute(BaqTag); !ok || tag != "@@@@@" {
		t.Errorf("AddTag tag failed: %v", tag)
	}

	// OverwriteQuals caps the qualities in place
	aln = mismatchRead()
	baq.BaqRead(aln, reference, Recalculate, OverwriteQuals)
	checkBqNear(t, "OverwriteQuals", aln.QUAL, []byte{23, 23, 20, 23, 23})

	// DontModify only returns the capped qualities
	aln = mismatchRead()
	quals = baq.BaqRead(aln, reference, Recalculate, DontModify)
	if !bytes.Equal(aln.QUAL, repeatQual(40, 5)) || HasBaqTag(aln) {
		t.Error("DontModify modified the read")
	}
	checkBqNear(t, "DontModify", quals, []byte{23, 23, 20, 23, 23})

	// a read whose window is out of range is left unchanged
	aln = newAln("read3", 0, "chr2", 1, "5M", "ACGTA", repeatQual(30, 5))
	baq.BaqRead(aln, reference, Recalculate, OverwriteQuals)
	if !bytes.Equal(aln.QUAL, repeatQual(30, 5)) || HasBaqTag(aln) {
		t.Error("out-of-range read modified")
	}

	// CalculateAsNecessary takes an existing tag over the HMM
	aln = newAln("read4", 0, "chr1", 4, "3M", "ACG", []byte{40, 40, 40})
	AddBaqTag(aln, []byte{40, 20, 10})
	baq.BaqRead(aln, reference, CalculateAsNecessary, OverwriteQuals)
	if !bytes.Equal(aln.QUAL, []byte{40, 20, 10}) {
		t.Errorf("tagged read quals failed: %v", aln.QUAL)
	}

	// with AddTag and an existing tag, there is nothing to do
	aln = newAln("read5", 0, "chr1", 4, "3M", "ACG", []byte{40, 40, 40})
	AddBaqTag(aln, []byte{40, 20, 10})
	tagBefore, _ := aln.StringAttribute(BaqTag)
	baq.BaqRead(aln, reference, CalculateAsNecessary, AddTag)
	tagAfter, _ := aln.StringAttribute(BaqTag)
	if tagBefore != tagAfter || !bytes.Equal(aln.QUAL, []byte{40, 40, 40}) {
		t.Error("tagged read modified in AddTag mode")
	}
}

func TestBaqSam(t *testing.T) {
	reference := openTestReference(t, map[string][]byte{"chr1": []byte("GGGACGTAGGG")})
	defer reference.Close()

	reads := sam.NewSam()
	reads.Alignments = []*sam.Alignment{
		newAln("read1", 0, "chr1", 4, "5M", "ACGTA", repeatQual(30, 5)),
		newAln("read2", 0, "chr1", 4, "5M", "ACATA", repeatQual(40, 5)),
	}
	BaqSam(reads, reference, Recalculate, AddTag)
	for _, aln := range reads.Alignments {
		if !HasBaqTag(aln) {
			t.Errorf("read %v has no BQ tag", aln.QNAME)
		}
	}
}

func TestApplyBaqFilter(t *testing.T) {
	reference := openTestReference(t, map[string][]byte{"chr1": []byte("GGGACGTAGGG")})
	defer reference.Close()

	filter := ApplyBaq(reference, Recalculate, OverwriteQuals)
	alnFilter := filter(sam.NewHeader())
	aln := newAln("read1", 0, "chr1", 4, "5M", "ACATA", repeatQual(40, 5))
	if !alnFilter(aln) {
		t.Error("filter removed the read")
	}
	checkBqNear(t, "ApplyBaq", aln.QUAL, []byte{23, 23, 20, 23, 23})
}
