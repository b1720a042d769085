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
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

/*
The topology of the profile HMM:

         /\             /\        /\             /\
         I[1]           I[k-1]    I[k]           I[L]
          ^   \      \    ^    \   ^   \      \   ^
          |    \      \   |     \  |    \      \  |
  M[0]   M[1] -> ... -> M[k-1] -> M[k] -> ... -> M[L]   M[L+1]
              \      \/        \/      \/      /
               \     /\        /\      /\     /
                     -> D[k-1] -> D[k] ->

M[0] points to every {M,I}[k] and every {M,I}[k] points to M[L+1].

On input, ref and query are sequences of 0/1/2/3/4 where 4 stands for
an ambiguous residue, and iqual holds the base qualities. On output,
state and q are arrays of length len(query). The higher 30 bits of a
state give the reference position the query base is matched to, and
the lower two bits can be 0 (an alignment match) or 1 (an insertion).
q[i] gives the phred scaled posterior probability of state[i] being
wrong.
*/

// A Baq computes base alignment qualities: phred scaled posterior
// probabilities that read bases are misaligned.
type Baq struct {
	GapOpenProb      float64
	GapExtensionProb float64
	BandWidth        int
	MinBaseQual      byte // bases with a lower quality are raised up to this value
}

// NewBaq returns a Baq with the default parameterisation.
func NewBaq() *Baq {
	return &Baq{
		GapOpenProb:      1e-3,
		GapExtensionProb: 0.1,
		BandWidth:        7,
		MinBaseQual:      4,
	}
}

const (
	emissionMismatch = 0.33333333333
	emissionInsert   = 0.25
)

// qualToErrorProb[i] = 10^(-i/10)
var qualToErrorProb = func() (table [256]float64) {
	for i := range table {
		table[i] = math.Pow(10, -float64(i)/10)
	}
	return
}()

// StateIsIndel decodes the bit encoded state array values.
func StateIsIndel(state int32) bool {
	return (state & 3) != 0
}

// StateAlignedPosition decodes the bit encoded state array values.
func StateAlignedPosition(state int32) int32 {
	return state >> 2
}

// setU maps a banded matrix cell for band b, row i, and reference
// column k to an offset in the flat row buffer. Each row has three
// guard cells at either end, so that reads and writes one column
// beyond the band edges stay in bounds and see zeroes.
func setU(b, i, k int) int {
	x := i - b
	if x < 0 {
		x = 0
	}
	return (k + 1 - x) * 3
}

// basesToIndices encodes an ASCII base sequence as 0/1/2/3 for
// A/C/G/T (case-insensitive), and 4 for any other residue.
func basesToIndices(bases []byte) []byte {
	out := make([]byte, len(bases))
	for i, base := range bases {
		switch base {
		case 'A', 'a':
			out[i] = 0
		case 'C', 'c':
			out[i] = 1
		case 'G', 'g':
			out[i] = 2
		case 'T', 't':
			out[i] = 3
		default:
			out[i] = 4
		}
	}
	return out
}

type float64Matrix struct {
	cols  int
	array []float64
}

func (m *float64Matrix) ensureSize(rows, cols int) {
	m.cols = cols
	totalSize := rows * cols
	if totalSize <= cap(m.array) {
		m.array = m.array[:totalSize]
		for i := range m.array {
			m.array[i] = 0
		}
	} else {
		m.array = make([]float64, totalSize)
	}
}

func (m *float64Matrix) rowView(row int) []float64 {
	offset := row * m.cols
	return m.array[offset : offset+m.cols]
}

type hmmMatrices struct {
	forward, backward float64Matrix
	scales            []float64
}

func (h *hmmMatrices) ensureSize(rows, cols int) {
	h.forward.ensureSize(rows, cols)
	h.backward.ensureSize(rows, cols)
	if rows+1 <= cap(h.scales) {
		h.scales = h.scales[:rows+1]
		for i := range h.scales {
			h.scales[i] = 0
		}
	} else {
		h.scales = make([]float64, rows+1)
	}
}

var hmmMatricesPool = sync.Pool{New: func() interface{} { return new(hmmMatrices) }}

func emissionProb(refBase, queryBase byte, errorProb float64) float64 {
	if refBase > 3 || queryBase > 3 {
		return 1
	}
	if refBase == queryBase {
		return 1 - errorProb
	}
	return errorProb * emissionMismatch
}

// HmmGlocal runs the banded forward-backward algorithm on the profile
// HMM, and decodes per-base posteriors.
//
// ref and query must be in the 0-4 encoding produced by
// basesToIndices, and iqual must hold the raw base qualities of the
// query. The posteriors are stored in state and q, which may each be
// nil; when non-nil, their lengths must equal the query length.
//
// HmmGlocal never modifies its inputs, and is safe for concurrent use
// as long as callers pass distinct output buffers.
func (baq *Baq) HmmGlocal(ref, query, iqual []byte, state []int32, q []byte) {
	if ref == nil {
		log.Panic("reference sequence is nil in HmmGlocal")
	}
	if query == nil {
		log.Panic("query sequence is nil in HmmGlocal")
	}
	if iqual == nil {
		log.Panic("query quality vector is nil in HmmGlocal")
	}
	if len(query) != len(iqual) {
		log.Panic("read sequence length != qual length in HmmGlocal")
	}
	if q != nil && len(q) != len(query) {
		log.Panic("BAQ quality length != read sequence length in HmmGlocal")
	}
	if state != nil && len(state) != len(query) {
		log.Panic("state length != read sequence length in HmmGlocal")
	}

	// change to 1-based coordinates
	lRef := len(ref)
	refBases := make([]byte, lRef+1)
	copy(refBases[1:], ref)
	lQuery := len(query)
	queryBases := make([]byte, lQuery+1)
	qual := make([]float64, lQuery+1)
	for i := 0; i < lQuery; i++ {
		queryBases[i+1] = query[i]
		iq := iqual[i]
		if iq < baq.MinBaseQual {
			iq = baq.MinBaseQual
		}
		qual[i+1] = qualToErrorProb[iq]
	}

	// set band width
	bw := lRef
	if lQuery > bw {
		bw = lQuery
	}
	if bw > baq.BandWidth {
		bw = baq.BandWidth
	}
	if diff := lRef - lQuery; diff > bw {
		bw = diff
	} else if -diff > bw {
		bw = -diff
	}
	bw2 := bw*2 + 1

	// the forward and backward matrices and the scaling vector
	matrices := hmmMatricesPool.Get().(*hmmMatrices)
	defer hmmMatricesPool.Put(matrices)
	matrices.ensureSize(lQuery+1, bw2*3+6)
	s := matrices.scales

	// initialize transition probabilities
	cd, ce := baq.GapOpenProb, baq.GapExtensionProb
	sM := 1 / float64(2*lQuery+2)
	sI := sM
	bM := (1 - cd) / float64(lQuery)
	bI := cd / float64(lQuery) // (bM+bI)*lQuery == 1
	var m [9]float64
	m[0*3+0] = (1 - cd - cd) * (1 - sM)
	m[0*3+1] = cd * (1 - sM)
	m[0*3+2] = cd * (1 - sM)
	m[1*3+0] = (1 - ce) * (1 - sI)
	m[1*3+1] = ce * (1 - sI)
	m[2*3+0] = 1 - ce
	m[2*3+2] = ce

	/*** forward ***/
	f0 := matrices.forward.rowView(0)
	f0[setU(bw, 0, 0)] = 1
	s[0] = 1
	{ // the first row uses the transitions from the start state
		fi := matrices.forward.rowView(1)
		end := bw + 1
		if lRef < end {
			end = lRef
		}
		var sum float64
		for k := 1; k <= end; k++ {
			e := emissionProb(refBases[k], queryBases[1], qual[1])
			u := setU(bw, 1, k)
			fi[u+0] = e * bM
			fi[u+1] = emissionInsert * bI
			sum += fi[u] + fi[u+1]
		}
		s[1] = sum
		floats.Scale(1/sum, fi[setU(bw, 1, 1):setU(bw, 1, end)+3])
	}
	for i := 2; i <= lQuery; i++ {
		fi := matrices.forward.rowView(i)
		fi1 := matrices.forward.rowView(i - 1)
		qli := qual[i]
		qyi := queryBases[i]
		beg, end := 1, lRef
		if x := i - bw; x > beg {
			beg = x
		}
		if x := i + bw; x < end {
			end = x
		}
		var sum float64
		for k := beg; k <= end; k++ {
			e := emissionProb(refBases[k], qyi, qli)
			u := setU(bw, i, k)
			v11 := setU(bw, i-1, k-1)
			v10 := setU(bw, i-1, k)
			v01 := setU(bw, i, k-1)
			fi[u+0] = e * (m[0]*fi1[v11+0] + m[3]*fi1[v11+1] + m[6]*fi1[v11+2])
			fi[u+1] = emissionInsert * (m[1]*fi1[v10+0] + m[4]*fi1[v10+1])
			fi[u+2] = m[2]*fi[v01+0] + m[8]*fi[v01+2]
			sum += fi[u] + fi[u+1] + fi[u+2]
		}
		s[i] = sum
		floats.Scale(1/sum, fi[setU(bw, i, beg):setU(bw, i, end)+3])
	}
	{ // the last scaling factor
		fl := matrices.forward.rowView(lQuery)
		var sum float64
		for k := 1; k <= lRef; k++ {
			u := setU(bw, lQuery, k)
			if u < 3 || u >= bw2*3+3 {
				continue
			}
			sum += fl[u+0]*sM + fl[u+1]*sI
		}
		s[lQuery+1] = sum
	}

	/*** backward ***/
	// the base case encodes b[lQuery+1][0] = 1, scaled by both s[lQuery]
	// and s[lQuery+1]
	{
		bl := matrices.backward.rowView(lQuery)
		for k := 1; k <= lRef; k++ {
			u := setU(bw, lQuery, k)
			if u < 3 || u >= bw2*3+3 {
				continue
			}
			bl[u+0] = sM / s[lQuery] / s[lQuery+1]
			bl[u+1] = sI / s[lQuery] / s[lQuery+1]
		}
	}
	for i := lQuery - 1; i >= 1; i-- {
		bi := matrices.backward.rowView(i)
		bi1 := matrices.backward.rowView(i + 1)
		// no deletions are permitted before the first query base
		y := 1.0
		if i == 1 {
			y = 0
		}
		qli1 := qual[i+1]
		qyi1 := queryBases[i+1]
		beg, end := 1, lRef
		if x := i - bw; x > beg {
			beg = x
		}
		if x := i + bw; x < end {
			end = x
		}
		for k := end; k >= beg; k-- {
			u := setU(bw, i, k)
			v11 := setU(bw, i+1, k+1)
			v10 := setU(bw, i+1, k)
			v01 := setU(bw, i, k+1)
			var e float64
			if k < lRef {
				e = emissionProb(refBases[k+1], qyi1, qli1) * bi1[v11]
			}
			bi[u+0] = e*m[0] + emissionInsert*m[1]*bi1[v10+1] + m[2]*bi[v01+2]
			bi[u+1] = e*m[3] + emissionInsert*m[4]*bi1[v10+1]
			bi[u+2] = (e*m[6] + m[8]*bi[v01+2]) * y
		}
		floats.Scale(1/s[i], bi[setU(bw, i, beg):setU(bw, i, end)+3])
	}

	/*** MAP ***/
	for i := 1; i <= lQuery; i++ {
		fi := matrices.forward.rowView(i)
		bi := matrices.backward.rowView(i)
		beg, end := 1, lRef
		if x := i - bw; x > beg {
			beg = x
		}
		if x := i + bw; x < end {
			end = x
		}
		var sum, max float64
		maxK := int32(-1)
		for k := beg; k <= end; k++ {
			u := setU(bw, i, k)
			z := fi[u+0] * bi[u+0]
			sum += z
			if z > max {
				max = z
				maxK = int32(k-1) << 2
			}
			z = fi[u+1] * bi[u+1]
			sum += z
			if z > max {
				max = z
				maxK = int32(k-1)<<2 | 1
			}
		}
		max /= sum
		if state != nil {
			state[i-1] = maxK
		}
		if q != nil {
			q[i-1] = posteriorToPhred(max)
		}
	}
}

// posteriorToPhred converts the posterior probability of the most
// likely state to a phred scaled error probability, saturating at 99.
func posteriorToPhred(max float64) byte {
	p := 1 - max
	if p <= 0 {
		return 99
	}
	k := int(-4.343*math.Log(p) + 0.499)
	if k > 99 {
		k = 99
	}
	return byte(k)
}
