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

// Package fasta provides access to reference sequences stored in
// FASTA files, and in the mmappable .elfasta format derived from
// them.
package fasta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/exascience/elbaq/internal"

	"golang.org/x/sys/unix"
)

// A FaiReference holds one record of an FAI index file.
type FaiReference struct {
	Length    int32
	Offset    int64
	LineBases int32
	LineWidth int32
}

// ParseFai parses an FAI index file.
func ParseFai(filename string) map[string]FaiReference {
	f := internal.FileOpen(filename)
	defer internal.Close(f)

	fai := make(map[string]FaiReference)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 5 {
			log.Panicf("FAI record with %v fields instead of 5 in %v", len(fields), filename)
		}
		fai[fields[0]] = FaiReference{
			Length:    int32(internal.ParseInt(fields[1], 10, 32)),
			Offset:    internal.ParseInt(fields[2], 10, 64),
			LineBases: int32(internal.ParseInt(fields[3], 10, 32)),
			LineWidth: int32(internal.ParseInt(fields[4], 10, 32)),
		}
	}
	if err := scanner.Err(); err != nil {
		log.Panic(err)
	}
	return fai
}

// ToN normalizes IUPAC ambiguity codes to 'N', leaving the four plain
// bases and any other characters alone.
func ToN(base byte) byte {
	switch base {
	case 'A', 'a', 'C', 'c', 'G', 'g', 'T', 't', 'N':
		return base
	case 'n', 'R', 'r', 'Y', 'y', 'M', 'm', 'K', 'k', 'W', 'w',
		'S', 's', 'B', 'b', 'D', 'd', 'H', 'h', 'V', 'v':
		return 'N'
	default:
		return base
	}
}

// contigName extracts the contig name from a '>' header line: the
// first whitespace-delimited word after the marker.
func contigName(header []byte) string {
	name := bytes.TrimSpace(header[1:])
	if i := bytes.IndexAny(name, " \t"); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// ParseFasta reads all sequences of a FASTA file.
//
// When an FAI index is given, sequences are preallocated at their
// final lengths to reduce pressure on the garbage collector. toUpper
// converts sequence data to upper case, and toN normalizes IUPAC
// ambiguity codes.
func ParseFasta(filename string, fai map[string]FaiReference, toUpper, toN bool) map[string][]byte {
	f := internal.FileOpen(filename)
	defer internal.Close(f)

	fasta := make(map[string][]byte)
	var contig string
	var seq []byte
	flush := func() {
		if contig != "" {
			fasta[contig] = seq
		}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			flush()
			contig = contigName(line)
			seq = nil
			if ref, ok := fai[contig]; ok {
				seq = make([]byte, 0, ref.Length)
			}
			continue
		}
		if contig == "" {
			log.Panicf("sequence data before the first header in fasta file %v", filename)
		}
		for _, c := range line {
			if toUpper && c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			if toN {
				c = ToN(c)
			}
			seq = append(seq, c)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Panic(err)
	}
	flush()
	if len(fasta) == 0 {
		log.Panicf("no sequences in fasta file %v", filename)
	}
	return fasta
}

// ElfastaMagic is the magic byte sequence that every .elfasta file
// starts with.
var ElfastaMagic = []byte{0x31, 0xFA, 0x57, 0xA1} // 31FA57A1 => ELFASTA1

/*
The layout of an .elfasta file:

  magic
  uvarint: number of contigs
  per contig: uvarint name length, name, uvarint sequence length
  the sequence data, concatenated in directory order

The directory is self-delimiting, so the sequence data can be sliced
directly out of an mmap of the file.
*/

// ToElfasta stores reference sequences in an .elfasta file. Contigs
// are written in sorted name order, so conversion is deterministic.
func ToElfasta(fasta map[string][]byte, filename string) {
	file := internal.FileCreate(filename)
	defer internal.Close(file)

	contigs := make([]string, 0, len(fasta))
	for contig := range fasta {
		contigs = append(contigs, contig)
	}
	sort.Strings(contigs)

	directory := append([]byte(nil), ElfastaMagic...)
	var scratch [binary.MaxVarintLen64]byte
	uvarint := func(v int) {
		n := binary.PutUvarint(scratch[:], uint64(v))
		directory = append(directory, scratch[:n]...)
	}
	uvarint(len(contigs))
	for _, contig := range contigs {
		uvarint(len(contig))
		directory = append(directory, contig...)
		uvarint(len(fasta[contig]))
	}
	internal.Write(file, directory)
	for _, contig := range contigs {
		internal.Write(file, fasta[contig])
	}
}

// An elfastaDirectory walks the directory section of an mmapped
// .elfasta file.
type elfastaDirectory struct {
	data     []byte
	pos      int
	filename string
}

func (d *elfastaDirectory) uvarint() int {
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		log.Panicf("corrupt directory in elfasta file %v", d.filename)
	}
	d.pos += n
	return int(v)
}

func (d *elfastaDirectory) name(length int) string {
	if d.pos+length > len(d.data) {
		log.Panicf("corrupt directory in elfasta file %v", d.filename)
	}
	name := string(d.data[d.pos : d.pos+length])
	d.pos += length
	return name
}

// A MappedFasta gives access to the reference sequences of an
// .elfasta file. Contigs are fetched by name, either whole through
// Seq, or as windows through SubsequenceAt.
//
// The file is loaded in the background; all accessors wait for the
// load to complete, and are safe for concurrent use.
type MappedFasta struct {
	loaded sync.WaitGroup
	seqs   map[string][]byte
	data   []byte
	file   *os.File
}

// OpenElfasta opens a .elfasta file.
func OpenElfasta(filename string) *MappedFasta {
	fasta := new(MappedFasta)
	fasta.loaded.Add(1)
	go func() {
		defer fasta.loaded.Done()
		fasta.load(filename)
	}()
	return fasta
}

func (fasta *MappedFasta) load(filename string) {
	file := internal.FileOpen(filename)
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		log.Panic(err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		log.Panic(err)
	}
	if !bytes.HasPrefix(data, ElfastaMagic) {
		_ = unix.Munmap(data)
		_ = file.Close()
		log.Panicf("%v is not an .elfasta file - invalid magic byte sequence", filename)
	}

	directory := &elfastaDirectory{data: data, pos: len(ElfastaMagic), filename: filename}
	nofContigs := directory.uvarint()
	names := make([]string, nofContigs)
	lengths := make([]int, nofContigs)
	for i := 0; i < nofContigs; i++ {
		names[i] = directory.name(directory.uvarint())
		lengths[i] = directory.uvarint()
	}
	seqs := make(map[string][]byte, nofContigs)
	offset := directory.pos
	for i, name := range names {
		if offset+lengths[i] > len(data) {
			log.Panicf("truncated sequence data in elfasta file %v", filename)
		}
		seqs[name] = data[offset : offset+lengths[i]]
		offset += lengths[i]
	}

	fasta.seqs = seqs
	fasta.data = data
	fasta.file = file
}

// Close closes the .elfasta file.
func (fasta *MappedFasta) Close() {
	fasta.loaded.Wait()
	err := unix.Munmap(fasta.data)
	if nerr := fasta.file.Close(); err == nil {
		err = nerr
	}
	fasta.seqs = nil
	fasta.data = nil
	fasta.file = nil
	if err != nil {
		log.Panic(err)
	}
}

// Seq fetches the full sequence for the given contig, or nil if the
// contig is not present.
func (fasta *MappedFasta) Seq(contig string) []byte {
	fasta.loaded.Wait()
	return fasta.seqs[contig]
}

// ContigLength returns the length of the sequence for the given
// contig, or 0 if the contig is not present.
func (fasta *MappedFasta) ContigLength(contig string) int {
	fasta.loaded.Wait()
	return len(fasta.seqs[contig])
}

// SubsequenceAt fetches the bases of the given contig between the
// 1-based inclusive positions start and stop.
//
// Callers must check the requested window against ContigLength;
// SubsequenceAt panics when the window is out of bounds.
func (fasta *MappedFasta) SubsequenceAt(contig string, start, stop int32) []byte {
	fasta.loaded.Wait()
	seq, ok := fasta.seqs[contig]
	if !ok {
		log.Panicf("unknown contig %v", contig)
	}
	if start < 1 || int(stop) > len(seq) || start > stop {
		log.Panicf("invalid window [%v, %v] for contig %v of length %v", start, stop, contig, len(seq))
	}
	return seq[start-1 : stop]
}
