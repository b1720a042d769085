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
	"log"
	"sort"
	"strconv"
	"sync"
	"unicode"

	psort "github.com/exascience/pargo/sort"

	"github.com/exascience/elbaq/utils"
)

const (
	// FileFormatVersion is the version of the SAM file format
	// that this library implements.
	FileFormatVersion = "1.6"
)

// IsHeaderUserTag determines whether this tag string represents a
// user-defined tag.
func IsHeaderUserTag(code string) bool {
	for _, c := range code {
		if ('a' <= c) && (c <= 'z') {
			return true
		}
	}
	return false
}

// A Header represents the information stored in the header section of
// a SAM file.
type Header struct {
	HD          utils.StringMap
	SQ, RG, PG  []utils.StringMap
	CO          []string
	UserRecords map[string][]utils.StringMap
}

// SQLN returns the LN field value of the given SQ header record.
func SQLN(record utils.StringMap) int32 {
	ln, found := record["LN"]
	if !found {
		log.Panic("LN entry in a SQ header line missing")
	}
	return int32(ParseInt32(ln))
}

// SetSQLN sets the LN field value of the given SQ header record.
func SetSQLN(record utils.StringMap, value int32) {
	record["LN"] = strconv.FormatInt(int64(value), 10)
}

// ParseInt32 parses a string into an int32, with panics in place of
// errors.
func ParseInt32(s string) int32 {
	val, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		log.Panic(err)
	}
	return int32(val)
}

// NewHeader allocates and initializes an empty Header.
func NewHeader() *Header { return &Header{} }

// EnsureHD returns the HD field of the Header, and initializes it if
// it is empty.
func (hdr *Header) EnsureHD() utils.StringMap {
	if hdr.HD == nil {
		hdr.HD = utils.StringMap{"VN": FileFormatVersion}
	}
	return hdr.HD
}

// HDSO returns the sorting order (SO) stored in the HD record of the
// Header.
func (hdr *Header) HDSO() SortingOrder {
	hd := hdr.EnsureHD()
	if sortingOrder, found := hd["SO"]; found {
		return SortingOrder(sortingOrder)
	}
	return Unknown
}

// SetHDSO sets the sorting order (SO) stored in the HD record of the
// Header.
func (hdr *Header) SetHDSO(value SortingOrder) {
	hd := hdr.EnsureHD()
	delete(hd, "GO")
	hd["SO"] = string(value)
}

// EnsureUserRecords returns the user-defined records of the Header,
// and initializes them if they are empty.
func (hdr *Header) EnsureUserRecords() map[string][]utils.StringMap {
	if hdr.UserRecords == nil {
		hdr.UserRecords = make(map[string][]utils.StringMap)
	}
	return hdr.UserRecords
}

// AddUserRecord adds a record for a user-defined tag to the Header.
func (hdr *Header) AddUserRecord(code string, record utils.StringMap) {
	if records, found := hdr.UserRecords[code]; found {
		hdr.UserRecords[code] = append(records, record)
	} else {
		hdr.EnsureUserRecords()[code] = []utils.StringMap{record}
	}
}

// ContigLength returns the LN field value of the SQ header record
// with the given SN field value, or 0 if there is no such record.
func (hdr *Header) ContigLength(contig string) int32 {
	for _, sq := range hdr.SQ {
		if sq["SN"] == contig {
			return SQLN(sq)
		}
	}
	return 0
}

// SortingOrder represents the possible values of the SO field in a
// SAM file header.
type SortingOrder string

// Sorting orders.
const (
	Keep       SortingOrder = "keep"
	Unknown    SortingOrder = "unknown"
	Unsorted   SortingOrder = "unsorted"
	Queryname  SortingOrder = "queryname"
	Coordinate SortingOrder = "coordinate"
)

// An Alignment represents a single read alignment, corresponding to a
// line in the alignment section of a SAM file.
//
// QUAL stores the base qualities as raw phred values, not in the
// ASCII encoding of the SAM file format.
type Alignment struct {
	QNAME string
	FLAG  uint16
	RNAME string
	POS   int32
	MAPQ  byte
	CIGAR string
	RNEXT string
	PNEXT int32
	TLEN  int32
	SEQ   string
	QUAL  []byte
	TAGS  utils.SmallMap
}

// NewAlignment allocates and initializes an empty alignment.
func NewAlignment() *Alignment {
	return &Alignment{
		TAGS: make(utils.SmallMap, 0, 16),
	}
}

// StringAttribute returns the value of the optional field with the
// given tag as a string, or false if the field is absent or not a
// string.
func (aln *Alignment) StringAttribute(tag utils.Symbol) (string, bool) {
	value, found := aln.TAGS.Get(tag)
	if !found {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SetStringAttribute sets the optional field with the given tag to
// the given string value.
func (aln *Alignment) SetStringAttribute(tag utils.Symbol, value string) {
	aln.TAGS.Set(tag, value)
}

// Bit values for the FLAG field of an Alignment.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

// IsMultiple checks the FLAG of the alignment.
func (aln *Alignment) IsMultiple() bool { return (aln.FLAG & Multiple) != 0 }

// IsProper checks the FLAG of the alignment.
func (aln *Alignment) IsProper() bool { return (aln.FLAG & Proper) != 0 }

// IsUnmapped checks the FLAG of the alignment.
func (aln *Alignment) IsUnmapped() bool { return (aln.FLAG & Unmapped) != 0 }

// IsNextUnmapped checks the FLAG of the alignment.
func (aln *Alignment) IsNextUnmapped() bool { return (aln.FLAG & NextUnmapped) != 0 }

// IsReversed checks the FLAG of the alignment.
func (aln *Alignment) IsReversed() bool { return (aln.FLAG & Reversed) != 0 }

// IsNextReversed checks the FLAG of the alignment.
func (aln *Alignment) IsNextReversed() bool { return (aln.FLAG & NextReversed) != 0 }

// IsFirst checks the FLAG of the alignment.
func (aln *Alignment) IsFirst() bool { return (aln.FLAG & First) != 0 }

// IsLast checks the FLAG of the alignment.
func (aln *Alignment) IsLast() bool { return (aln.FLAG & Last) != 0 }

// IsSecondary checks the FLAG of the alignment.
func (aln *Alignment) IsSecondary() bool { return (aln.FLAG & Secondary) != 0 }

// IsQCFailed checks the FLAG of the alignment.
func (aln *Alignment) IsQCFailed() bool { return (aln.FLAG & QCFailed) != 0 }

// IsDuplicate checks the FLAG of the alignment.
func (aln *Alignment) IsDuplicate() bool { return (aln.FLAG & Duplicate) != 0 }

// IsSupplementary checks the FLAG of the alignment.
func (aln *Alignment) IsSupplementary() bool { return (aln.FLAG & Supplementary) != 0 }

// FlagEvery checks the FLAG of the alignment against all given bits.
func (aln *Alignment) FlagEvery(flag uint16) bool { return (aln.FLAG & flag) == flag }

// FlagSome checks the FLAG of the alignment against some of the given bits.
func (aln *Alignment) FlagSome(flag uint16) bool { return (aln.FLAG & flag) != 0 }

// FlagNotAny checks the FLAG of the alignment against none of the given bits.
func (aln *Alignment) FlagNotAny(flag uint16) bool { return (aln.FLAG & flag) == 0 }

// CigarOperations contains all valid CIGAR operations.
const CigarOperations = "MmIiDdNnSsHhPpXx="

var cigarOperationsTable = make(map[byte]byte, len(CigarOperations))

func init() {
	for _, c := range CigarOperations {
		cigarOperationsTable[byte(c)] = byte(unicode.ToUpper(rune(c)))
	}
}

func isDigit(char byte) bool { return ('0' <= char) && (char <= '9') }

// A CigarOperation represents a CIGAR operation.
type CigarOperation struct {
	Length    int32
	Operation byte // 'M', 'I', 'D', 'N', 'S', 'H', 'P', 'X', or '='
}

func newCigarOperation(cigar string, i int) (op CigarOperation, j int) {
	for j = i; ; j++ {
		if char := cigar[j]; !isDigit(char) {
			length := ParseInt32(cigar[i:j])
			if operation := cigarOperationsTable[char]; operation != 0 {
				op = CigarOperation{length, operation}
				j++
			} else {
				log.Panicf("invalid CIGAR operation %v, while scanning CIGAR string %v", string(char), cigar)
			}
			return
		}
	}
}

var (
	cigarSliceCache      = map[string][]CigarOperation{"*": {}}
	cigarSliceCacheMutex = sync.RWMutex{}
)

func slowScanCigarString(cigar string) (slice []CigarOperation) {
	for i := 0; i < len(cigar); {
		cigarOperation, j := newCigarOperation(cigar, i)
		slice = append(slice, cigarOperation)
		i = j
	}
	cigarSliceCacheMutex.Lock()
	if value, found := cigarSliceCache[cigar]; found {
		slice = value
	} else {
		cigarSliceCache[cigar] = slice
	}
	cigarSliceCacheMutex.Unlock()
	return slice
}

// ScanCigarString converts a CIGAR string to a slice of
// CigarOperation. It uses an internal cache to reduce memory use.
// It is safe for multiple goroutines to call ScanCigarString
// concurrently.
func ScanCigarString(cigar string) []CigarOperation {
	cigarSliceCacheMutex.RLock()
	value, found := cigarSliceCache[cigar]
	cigarSliceCacheMutex.RUnlock()
	if found {
		return value
	}
	return slowScanCigarString(cigar)
}

var (
	// CigarOperatorConsumesReadBases maps CIGAR operations to 1 if
	// they consume read bases, or 0 otherwise.
	CigarOperatorConsumesReadBases = map[byte]int32{'M': 1, 'I': 1, 'S': 1, '=': 1, 'X': 1}

	// CigarOperatorConsumesReferenceBases maps CIGAR operations to 1
	// if they consume reference bases, or 0 otherwise.
	CigarOperatorConsumesReferenceBases = map[byte]int32{'M': 1, 'D': 1, 'N': 1, '=': 1, 'X': 1}
)

// ReadLengthFromCigar sums the lengths of all CIGAR operations that
// consume read bases.
func ReadLengthFromCigar(cigars []CigarOperation) int32 {
	var length int32
	for _, op := range cigars {
		length += CigarOperatorConsumesReadBases[op.Operation] * op.Length
	}
	return length
}

// End returns the 1-based inclusive position of the last reference
// base covered by the alignment, by summing the lengths of all CIGAR
// operations that consume reference bases.
func (aln *Alignment) End() int32 {
	var length int32
	for _, op := range ScanCigarString(aln.CIGAR) {
		length += CigarOperatorConsumesReferenceBases[op.Operation] * op.Length
	}
	return aln.POS + length - 1
}

// QNAMELess compares two alignments by their QNAME.
func QNAMELess(aln1, aln2 *Alignment) bool {
	return aln1.QNAME < aln2.QNAME
}

type (
	// By is a predicate to compare two alignments, for sorting.
	By func(aln1, aln2 *Alignment) bool

	// AlignmentSorter is a sorter for slices of alignments.
	AlignmentSorter struct {
		alns []*Alignment
		by   By
	}
)

// SequentialSort implements the method of the psort.StableSorter interface.
func (s AlignmentSorter) SequentialSort(i, j int) {
	alns, by := s.alns[i:j], s.by
	sort.Slice(alns, func(i, j int) bool {
		return by(alns[i], alns[j])
	})
}

// NewTemp implements the method of the psort.StableSorter interface.
func (s AlignmentSorter) NewTemp() psort.StableSorter {
	return AlignmentSorter{make([]*Alignment, len(s.alns)), s.by}
}

// Len implements the method of the sort.Interface.
func (s AlignmentSorter) Len() int {
	return len(s.alns)
}

// Less implements the method of the sort.Interface.
func (s AlignmentSorter) Less(i, j int) bool {
	return s.by(s.alns[i], s.alns[j])
}

// Swap implements the method of the sort.Interface.
func (s AlignmentSorter) Swap(i, j int) {
	s.alns[i], s.alns[j] = s.alns[j], s.alns[i]
}

// Assign implements the method of the psort.StableSorter interface.
func (s AlignmentSorter) Assign(p psort.StableSorter) func(i, j, len int) {
	dst, src := s.alns, p.(AlignmentSorter).alns
	return func(i, j, len int) {
		for k := 0; k < len; k++ {
			dst[i+k] = src[j+k]
		}
	}
}

// ParallelStableSort sorts a slice of alignments according to the
// given predicate.
func (by By) ParallelStableSort(alns []*Alignment) {
	psort.StableSort(AlignmentSorter{alns, by})
}

// Sam represents a complete SAM data set that can be fully stored in
// memory.
type Sam struct {
	Header     *Header
	Alignments []*Alignment
	nofBatches int
}

// NewSam allocates and initializes an empty SAM data set.
func NewSam() *Sam { return &Sam{Header: NewHeader()} }

// ByteArray is a representation for byte arrays as stored in optional
// fields of alignments using type H.
type ByteArray []byte
