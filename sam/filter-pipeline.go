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
	"errors"
	"fmt"

	"github.com/exascience/pargo/pipeline"
)

type (
	// An AlignmentFilter inspects or modifies a single alignment, and
	// reports whether the alignment should be kept.
	AlignmentFilter func(*Alignment) bool

	// A Filter prepares an AlignmentFilter for a given header. A
	// Filter may modify the header, and may return nil when it only
	// needs to act on the header itself.
	Filter func(*Header) AlignmentFilter

	// A PipelineOutput adds the output stages of a pargo pipeline,
	// receiving batches of alignments. The given header belongs to the
	// output, and the output stages must establish the given sorting
	// order, or report through p.SetErr that they cannot.
	PipelineOutput interface {
		AddNodes(p *pipeline.Pipeline, header *Header, sortingOrder SortingOrder)
	}

	// A PipelineInput sets up a pargo pipeline that feeds batches of
	// alignments through the given filters into the output, runs it,
	// and returns the pipeline error, if any.
	PipelineInput interface {
		RunPipeline(output PipelineOutput, filters []Filter, sortingOrder SortingOrder) error
	}
)

const (
	minBatchSize = 4096
	maxBatchSize = 262144
)

// parseStage turns batches of SAM alignment lines into batches of
// Alignment values.
func parseStage() pipeline.Filter {
	return func(p *pipeline.Pipeline, _ pipeline.NodeKind, _ *int) (pipeline.Receiver, pipeline.Finalizer) {
		return func(_ int, data interface{}) interface{} {
			lines := data.([]string)
			alns := make([]*Alignment, len(lines))
			for i, line := range lines {
				aln, err := ParseAlignmentLine(line)
				if err != nil {
					p.SetErr(fmt.Errorf("%v, in SAM line %q", err, line))
					return alns[:i]
				}
				alns[i] = aln
			}
			return alns
		}, nil
	}
}

// formatStage turns batches of Alignment values back into SAM lines.
func formatStage() pipeline.Filter {
	return func(p *pipeline.Pipeline, _ pipeline.NodeKind, _ *int) (pipeline.Receiver, pipeline.Finalizer) {
		return func(_ int, data interface{}) interface{} {
			alns := data.([]*Alignment)
			lines := make([][]byte, len(alns))
			for i, aln := range alns {
				line, err := aln.Format(nil)
				if err != nil {
					p.SetErr(err)
					return lines[:i]
				}
				lines[i] = line
			}
			return lines
		}, nil
	}
}

// writeStage writes formatted SAM lines to the output file.
func writeStage(p *pipeline.Pipeline, f *OutputFile) pipeline.Receiver {
	return func(_ int, data interface{}) interface{} {
		for _, line := range data.([][]byte) {
			if _, err := f.Write(line); err != nil {
				p.SetErr(fmt.Errorf("%v, while writing SAM alignments to output", err))
				break
			}
		}
		return data
	}
}

// setupFilters instantiates the filters against the header, in order,
// and collects the resulting alignment filters.
func setupFilters(header *Header, filters []Filter) []AlignmentFilter {
	var alnFilters []AlignmentFilter
	for _, filter := range filters {
		if filter == nil {
			continue
		}
		if alnFilter := filter(header); alnFilter != nil {
			alnFilters = append(alnFilters, alnFilter)
		}
	}
	return alnFilters
}

// filterBatch compacts a batch of alignments in place, keeping the
// alignments that pass every filter.
func filterBatch(alns []*Alignment, alnFilters []AlignmentFilter) []*Alignment {
	kept := alns[:0]
	for _, aln := range alns {
		keep := true
		for _, alnFilter := range alnFilters {
			if !alnFilter(aln) {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, aln)
		}
	}
	return kept
}

func filterStage(alnFilters []AlignmentFilter) pipeline.Receiver {
	return func(_ int, data interface{}) interface{} {
		return filterBatch(data.([]*Alignment), alnFilters)
	}
}

// resolveSortingOrder determines the sorting order the output stages
// must establish, and records the resulting order in the header. A
// requested order of Keep resolves to the order the input arrived in,
// and a coordinate or queryname order that the header already records
// resolves to Keep. Unknown and unsorted are returned as they are.
func resolveSortingOrder(requested SortingOrder, header *Header, original SortingOrder) SortingOrder {
	if requested == Keep {
		requested = original
	}
	current := header.HDSO()
	switch requested {
	case Coordinate, Queryname:
		if current == requested {
			return Keep
		}
		header.SetHDSO(requested)
	case Unknown, Unsorted:
		if current != requested {
			header.SetHDSO(requested)
		}
	}
	return requested
}

// AddNodes implements the PipelineOutput interface for Sam values,
// collecting the alignments in memory.
func (sam *Sam) AddNodes(p *pipeline.Pipeline, header *Header, sortingOrder SortingOrder) {
	sam.Header = header
	switch sortingOrder {
	case Keep, Unknown:
		p.Add(pipeline.StrictOrd(pipeline.Slice(&sam.Alignments)))
	case Unsorted:
		p.Add(pipeline.Seq(pipeline.Slice(&sam.Alignments)))
	case Queryname:
		p.Add(pipeline.Seq(
			pipeline.Slice(&sam.Alignments),
			pipeline.Finalize(func() { By(QNAMELess).ParallelStableSort(sam.Alignments) }),
		))
	case Coordinate:
		p.SetErr(errors.New("coordinate sorting not supported"))
	default:
		p.SetErr(fmt.Errorf("unknown sorting order %v", sortingOrder))
	}
}

// AddNodes implements the PipelineOutput interface for SAM output
// files, formatting and writing the alignments.
func (f *OutputFile) AddNodes(p *pipeline.Pipeline, header *Header, sortingOrder SortingOrder) {
	if err := f.FormatHeader(header); err != nil {
		p.SetErr(fmt.Errorf("%v, while writing a SAM header to output", err))
		return
	}
	switch sortingOrder {
	case Keep, Unknown:
		p.Add(
			pipeline.LimitedPar(0, formatStage()),
			pipeline.StrictOrd(pipeline.Receive(writeStage(p, f))),
		)
	case Unsorted:
		p.Add(
			pipeline.LimitedPar(0, formatStage()),
			pipeline.Seq(pipeline.Receive(writeStage(p, f))),
		)
	case Coordinate, Queryname:
		p.SetErr(errors.New("sorting on files not supported"))
	default:
		p.SetErr(fmt.Errorf("unknown sorting order %v", sortingOrder))
	}
}

// NofBatches sets the number of batches the alignments of this Sam
// value are split into during the next RunPipeline call. Values < 1
// let the pipeline pick a default based on the number of available
// processors.
func (sam *Sam) NofBatches(n int) {
	sam.nofBatches = n
}

// RunPipeline implements the PipelineInput interface for Sam values,
// feeding the in-memory alignments through the filters.
func (sam *Sam) RunPipeline(output PipelineOutput, filters []Filter, sortingOrder SortingOrder) error {
	header := sam.Header
	alns := sam.Alignments
	sam.Header = NewHeader()
	sam.Alignments = nil
	original := header.HDSO()
	alnFilters := setupFilters(header, filters)
	sortingOrder = resolveSortingOrder(sortingOrder, header, original)
	var p pipeline.Pipeline
	p.Source(alns)
	if len(alnFilters) > 0 {
		p.Add(pipeline.LimitedPar(0, pipeline.Receive(filterStage(alnFilters))))
	}
	output.AddNodes(&p, header, sortingOrder)
	p.NofBatches(sam.nofBatches)
	sam.nofBatches = 0
	p.Run()
	return p.Err()
}

// RunPipeline implements the PipelineInput interface for SAM input
// files, streaming the file through the filters in batches of lines.
func (f *InputFile) RunPipeline(output PipelineOutput, filters []Filter, sortingOrder SortingOrder) error {
	header, err := f.ParseHeader()
	if err != nil {
		return err
	}
	original := header.HDSO()
	alnFilters := setupFilters(header, filters)
	sortingOrder = resolveSortingOrder(sortingOrder, header, original)
	var p pipeline.Pipeline
	p.Source(f)
	p.SetVariableBatchSize(minBatchSize, maxBatchSize)
	p.Add(pipeline.LimitedPar(0, parseStage()))
	if len(alnFilters) > 0 {
		p.Add(pipeline.LimitedPar(0, pipeline.Receive(filterStage(alnFilters))))
	}
	output.AddNodes(&p, header, sortingOrder)
	p.Run()
	return p.Err()
}
