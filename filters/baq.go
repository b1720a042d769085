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
	"log"

	"github.com/exascience/pargo/parallel"
	"github.com/willf/bitset"

	"github.com/exascience/elbaq/fasta"
	"github.com/exascience/elbaq/sam"
	"github.com/exascience/elbaq/utils"
)

// CalculationMode determines whether and when the BAQ calculation is
// performed for a read.
type CalculationMode int

// Calculation modes.
const (
	// None does not apply BAQ at all, the default.
	None CalculationMode = iota

	// CalculateAsNecessary does the HMM BAQ calculation on the fly,
	// as necessary, if there is no BQ tag.
	CalculateAsNecessary

	// Recalculate does the HMM BAQ calculation on the fly, regardless
	// of whether there is a BQ tag present.
	Recalculate
)

// QualityMode determines what is done with computed base alignment
// qualities.
type QualityMode int

// Quality modes.
const (
	// AddTag calculates the BAQ and writes it into the read as the BQ
	// tag, leaving the QUAL field alone.
	AddTag QualityMode = iota

	// OverwriteQuals overwrites the quality field directly.
	OverwriteQuals

	// DontModify does the BAQ calculation without modifying the
	// quality scores themselves; they are only returned.
	DontModify
)

// BaqTag is the name of the optional field that stores base alignment
// qualities in a read.
var BaqTag = utils.Intern("BQ")

// A CalculationResult holds the outputs of the BAQ calculation for a
// single read.
type CalculationResult struct {
	RefBases  []byte
	RawQuals  []byte
	ReadBases string
	RefOffset int32
	State     []int32
	Bq        []byte
}

func newCalculationResult(aln *sam.Alignment, ref []byte, refOffset int32) *CalculationResult {
	return &CalculationResult{
		RefBases:  ref,
		RawQuals:  aln.QUAL,
		ReadBases: aln.SEQ,
		RefOffset: refOffset,
		State:     make([]int32, len(aln.QUAL)),
		Bq:        make([]byte, len(aln.QUAL)),
	}
}

// GetBaqTag returns the raw bytes of the BQ attribute of the read
// (the encoded offsets, see EncodeBaqTag), or nil if no BQ tag is
// present.
func GetBaqTag(aln *sam.Alignment) []byte {
	if s, ok := aln.StringAttribute(BaqTag); ok {
		return []byte(s)
	}
	return nil
}

// HasBaqTag returns true if the read has a BQ tag, or false otherwise.
func HasBaqTag(aln *sam.Alignment) bool {
	_, ok := aln.StringAttribute(BaqTag)
	return ok
}

// EncodeBaqTag encodes base alignment qualities against the raw base
// qualities of the read.
//
// The BQ tag stores an offset to the base alignment quality, of the
// same length as the read sequence. At the i-th read base,
// BAQ[i] = Q[i] - (BQ[i] - 64), where Q[i] is the i-th base quality,
// so BQ[i] = Q[i] - BAQ[i] + 64.
func EncodeBaqTag(aln *sam.Alignment, baq []byte) string {
	bqTag := make([]byte, len(baq))
	for i := range bqTag {
		bqTag[i] = aln.QUAL[i] + 64 - baq[i]
	}
	return string(bqTag)
}

// AddBaqTag stores the given base alignment qualities in the BQ
// attribute of the read.
func AddBaqTag(aln *sam.Alignment, baq []byte) {
	aln.SetStringAttribute(BaqTag, EncodeBaqTag(aln, baq))
}

// CalcBaqFromTag returns a new qual slice for the read that includes
// the BAQ adjustment decoded from its BQ tag. It does not support
// on-the-fly BAQ calculation.
//
// If overwriteOriginalQuals is true, the original quality scores in
// the read are replaced with their adjusted version. If
// useRawQualsIfNoBaqTag is true, the raw quality scores are used when
// there is no BQ tag; otherwise a missing BQ tag is an error.
func CalcBaqFromTag(aln *sam.Alignment, overwriteOriginalQuals, useRawQualsIfNoBaqTag bool) []byte {
	rawQuals := aln.QUAL
	newQuals := rawQuals
	baq := GetBaqTag(aln)

	if baq != nil {
		if !overwriteOriginalQuals {
			newQuals = make([]byte, len(rawQuals))
		}
		for i := range rawQuals {
			val := int(rawQuals[i]) - (int(baq[i]) - 64)
			if val < 0 {
				val = 0
			}
			newQuals[i] = byte(val)
		}
	} else if !useRawQualsIfNoBaqTag {
		log.Panicf("required BQ tag to be present, but none was on read %v", aln.QNAME)
	}

	return newQuals
}

func firstInsertionOffset(cigars []sam.CigarOperation) int32 {
	if len(cigars) > 0 {
		if op := cigars[0]; op.Operation == 'I' {
			return op.Length
		}
	}
	return 0
}

func lastInsertionOffset(cigars []sam.CigarOperation) int32 {
	if len(cigars) > 0 {
		if op := cigars[len(cigars)-1]; op.Operation == 'I' {
			return op.Length
		}
	}
	return 0
}

// CalcBaqFromHMM fires up the HMM on the read against a reference
// window fetched from the given reference provider, and caps the
// resulting base alignment qualities by walking the CIGAR.
//
// It returns nil when the read cannot be processed: when the
// reference window would extend past the end of the contig, or when
// the CIGAR contains an N operation.
func (baq *Baq) CalcBaqFromHMM(aln *sam.Alignment, reference *fasta.MappedFasta) *CalculationResult {
	// The window is the alignment, extended on both sides by half the
	// band width, plus leading/trailing insertions if there are any.
	cigars := sam.ScanCigarString(aln.CIGAR)
	offset := int32(baq.BandWidth / 2)
	start := aln.POS - offset - firstInsertionOffset(cigars)
	if start < 1 {
		start = 1
	}
	stop := aln.End() + offset + lastInsertionOffset(cigars)
	if int(stop) > reference.ContigLength(aln.RNAME) {
		return nil
	}
	ref := reference.SubsequenceAt(aln.RNAME, start, stop)
	return baq.CalcBaqFromRef(aln, ref, start-aln.POS)
}

// CalcBaqFromRef is CalcBaqFromHMM with an explicitly given reference
// window. refOffset is the offset of the window start relative to the
// alignment start; it is non-positive when the window extends before
// the alignment.
func (baq *Baq) CalcBaqFromRef(aln *sam.Alignment, ref []byte, refOffset int32) *CalculationResult {
	result := newCalculationResult(aln, ref, refOffset)
	convSeq := basesToIndices([]byte(result.ReadBases))
	convRef := basesToIndices(result.RefBases)

	baq.HmmGlocal(convRef, convSeq, result.RawQuals, result.State, result.Bq)

	// cap quals
	var readI, refI int32
	downweighted := bitset.New(uint(len(result.Bq)))
	for _, op := range sam.ScanCigarString(aln.CIGAR) {
		l := op.Length
		switch op.Operation {
		case 'N': // cannot handle these
			return nil
		case 'H', 'P': // ignore pads and hard clips
		case 'I', 'S':
			for i := readI; i < readI+l; i++ {
				result.Bq[i] = result.RawQuals[i]
			}
			readI += l
		case 'D':
			refI += l
		case 'M':
			for i := readI; i < readI+l; i++ {
				pos := StateAlignedPosition(result.State[i])
				expectedPos := refI - refOffset + (i - readI)
				if StateIsIndel(result.State[i]) || pos != expectedPos {
					// an indel, or not aligned to the best current position
					downweighted.Set(uint(i))
				} else if result.Bq[i] > result.RawQuals[i] {
					result.Bq[i] = result.RawQuals[i]
				}
			}
			readI += l
			refI += l
		}
	}
	for i, ok := downweighted.NextSet(0); ok; i, ok = downweighted.NextSet(i + 1) {
		result.Bq[i] = 0
	}

	return result
}

// ExcludeReadFromBaq returns true if the read is not eligible for the
// BAQ calculation: unmapped reads, reads that fail vendor quality
// checks, and duplicates. Mapped reads are kept regardless of pairing
// status or primary alignment status.
func ExcludeReadFromBaq(aln *sam.Alignment) bool {
	return aln.IsUnmapped() || aln.IsQCFailed() || aln.IsDuplicate()
}

// BaqRead caps the base quality scores of the read by the BAQ
// calculation. It fires up the HMM and does the BAQ on the fly, using
// the reference provider to obtain reference windows as needed, when
// cmode is Recalculate or the read has no BQ tag. Otherwise the
// existing BQ tag is decoded into the qualities when qmode is
// OverwriteQuals, and the read is left alone for the other modes.
//
// When the HMM runs and qmode is DontModify, it returns the computed
// qualities; in all other cases it returns the read's QUAL field.
func (baq *Baq) BaqRead(aln *sam.Alignment, reference *fasta.MappedFasta, cmode CalculationMode, qmode QualityMode) []byte {
	baqQuals := aln.QUAL
	if cmode == None || ExcludeReadFromBaq(aln) {
		return baqQuals
	}
	if cmode == Recalculate || !HasBaqTag(aln) {
		if hmmResult := baq.CalcBaqFromHMM(aln, reference); hmmResult != nil {
			switch qmode {
			case AddTag:
				AddBaqTag(aln, hmmResult.Bq)
			case OverwriteQuals:
				copy(aln.QUAL, hmmResult.Bq)
			case DontModify:
				baqQuals = hmmResult.Bq
			default:
				log.Panicf("unexpected quality mode %v in BaqRead", qmode)
			}
		}
	} else if qmode == OverwriteQuals {
		// only makes sense if we are overwriting quals
		CalcBaqFromTag(aln, true, false)
	}
	return baqQuals
}

// ApplyBaq returns a filter that applies the BAQ calculation to every
// eligible read that passes through the pipeline.
//
// The reads are processed independently; each pipeline worker owns
// its current read exclusively, so no locking is needed.
func ApplyBaq(reference *fasta.MappedFasta, cmode CalculationMode, qmode QualityMode) sam.Filter {
	return func(_ *sam.Header) sam.AlignmentFilter {
		baq := NewBaq()
		return func(aln *sam.Alignment) bool {
			baq.BaqRead(aln, reference, cmode, qmode)
			return true
		}
	}
}

// BaqSam applies the BAQ calculation to all alignments of a complete
// in-memory SAM data set.
func BaqSam(reads *sam.Sam, reference *fasta.MappedFasta, cmode CalculationMode, qmode QualityMode) {
	baq := NewBaq()
	alns := reads.Alignments
	parallel.Range(0, len(alns), 0, func(low, high int) {
		for _, aln := range alns[low:high] {
			baq.BaqRead(aln, reference, cmode, qmode)
		}
	})
}
