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

package cmd

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/exascience/elbaq/fasta"
	"github.com/exascience/elbaq/filters"
	"github.com/exascience/elbaq/sam"
	"github.com/exascience/elbaq/utils"
)

// BaqHelp is the help string for this command.
const BaqHelp = "baq parameters:\n" +
	"elbaq baq sam-file sam-output-file\n" +
	"--reference elfasta\n" +
	"[--calculation-mode [none | as-necessary | recalculate]]\n" +
	"[--quality-mode [add-tag | overwrite-quals | dont-modify]]\n" +
	"[--filter-unmapped-reads]\n" +
	"[--filter-unmapped-reads-strict]\n" +
	"[--remove-duplicate-reads]\n" +
	"[--remove-qc-failed-reads]\n" +
	"[--sorting-order [keep | unknown | unsorted | queryname]]\n" +
	"[--nr-of-threads nr]\n" +
	"[--timed]\n" +
	"[--profile path]\n" +
	"[--log-path path]\n"

func checkCalculationMode(mode string) (filters.CalculationMode, bool) {
	switch strings.ToLower(mode) {
	case "none":
		return filters.None, true
	case "as-necessary":
		return filters.CalculateAsNecessary, true
	case "recalculate":
		return filters.Recalculate, true
	default:
		log.Printf("Error: Invalid calculation mode %v.\n", mode)
		return filters.None, false
	}
}

func checkQualityMode(mode string) (filters.QualityMode, bool) {
	switch strings.ToLower(mode) {
	case "add-tag":
		return filters.AddTag, true
	case "overwrite-quals":
		return filters.OverwriteQuals, true
	case "dont-modify":
		return filters.DontModify, true
	default:
		log.Printf("Error: Invalid quality mode %v.\n", mode)
		return filters.AddTag, false
	}
}

func checkSortingOrder(sortingOrder string) bool {
	switch sam.SortingOrder(sortingOrder) {
	case sam.Keep, sam.Unknown, sam.Unsorted, sam.Queryname:
		return true
	default:
		log.Printf("Error: Invalid sorting order %v.\n", sortingOrder)
		return false
	}
}

func runBaqPipeline(fileIn, fileOut string, sortingOrder sam.SortingOrder, hdrFilters []sam.Filter, timed bool, profile string) error {
	return timedRun(timed, profile, "Running baq pipeline.", 1, func() (err error) {
		pathname, err := filepath.Abs(fileIn)
		if err != nil {
			return err
		}
		input, err := sam.Open(pathname)
		if err != nil {
			return err
		}
		defer func() {
			nerr := input.Close()
			if err == nil {
				err = nerr
			}
		}()
		pathname, err = filepath.Abs(fileOut)
		if err != nil {
			return err
		}
		if err = os.MkdirAll(filepath.Dir(pathname), 0700); err != nil {
			return err
		}
		output, err := sam.Create(pathname)
		if err != nil {
			return err
		}
		defer func() {
			nerr := output.Close()
			if err == nil {
				err = nerr
			}
		}()
		return input.RunPipeline(output, hdrFilters, sortingOrder)
	})
}

// Baq implements the elbaq baq command.
func Baq() error {
	var (
		reference, calculationMode, qualityMode          string
		sortingOrder, profile, logPath                   string
		filterUnmappedReads, filterUnmappedReadsStrict   bool
		removeDuplicateReads, removeQCFailedReads, timed bool
		nrOfThreads                                      int
	)

	var flags flag.FlagSet
	flags.StringVar(&reference, "reference", "", "reference used for the BAQ calculation, in the .elfasta format")
	flags.StringVar(&calculationMode, "calculation-mode", "recalculate", "when to run the BAQ calculation")
	flags.StringVar(&qualityMode, "quality-mode", "add-tag", "what to do with the computed base alignment qualities")
	flags.BoolVar(&filterUnmappedReads, "filter-unmapped-reads", false, "remove all unmapped alignments")
	flags.BoolVar(&filterUnmappedReadsStrict, "filter-unmapped-reads-strict", false, "remove all unmapped alignments, also based on POS and RNAME")
	flags.BoolVar(&removeDuplicateReads, "remove-duplicate-reads", false, "remove all duplicate alignments")
	flags.BoolVar(&removeQCFailedReads, "remove-qc-failed-reads", false, "remove all alignments that fail vendor quality checks")
	flags.StringVar(&sortingOrder, "sorting-order", string(sam.Keep), "determines the sorting order of the alignments")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a runtime profile to the specified file")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 4, BaqHelp)

	input := getFilename(os.Args[2], BaqHelp)
	output := getFilename(os.Args[3], BaqHelp)

	setLogOutput(logPath)

	sanityChecksFailed := false

	cmode, ok := checkCalculationMode(calculationMode)
	if !ok {
		sanityChecksFailed = true
	}
	qmode, ok := checkQualityMode(qualityMode)
	if !ok {
		sanityChecksFailed = true
	}
	if !checkSortingOrder(sortingOrder) {
		sanityChecksFailed = true
	}
	if reference == "" {
		log.Println("Error: Missing reference parameter.")
		sanityChecksFailed = true
	}
	if nrOfThreads < 0 {
		log.Println("Error: Invalid nr-of-threads: ", nrOfThreads)
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		os.Exit(1)
	}

	if nrOfThreads > 0 {
		runtime.GOMAXPROCS(nrOfThreads)
	}

	ref := fasta.OpenElfasta(reference)
	defer ref.Close()

	var hdrFilters []sam.Filter
	if filterUnmappedReadsStrict {
		hdrFilters = append(hdrFilters, sam.FilterUnmappedReadsStrict)
	} else if filterUnmappedReads {
		hdrFilters = append(hdrFilters, sam.FilterUnmappedReads)
	}
	if removeDuplicateReads {
		hdrFilters = append(hdrFilters, sam.FilterDuplicateReads)
	}
	if removeQCFailedReads {
		hdrFilters = append(hdrFilters, sam.FilterQCFailedReads)
	}
	hdrFilters = append(hdrFilters, sam.AddPGLine(utils.StringMap{
		"ID": utils.ProgramName,
		"PN": utils.ProgramName,
		"VN": utils.ProgramVersion,
		"CL": strings.Join(os.Args, " "),
	}))
	hdrFilters = append(hdrFilters, filters.ApplyBaq(ref, cmode, qmode))

	log.Println("Executing command:\n", strings.Join(os.Args, " "))

	return runBaqPipeline(input, output, sam.SortingOrder(sortingOrder), hdrFilters, timed, profile)
}
