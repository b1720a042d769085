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
	"os"

	"github.com/exascience/elbaq/fasta"
)

// FastaToElfastaHelp is the help string for this command.
const FastaToElfastaHelp = "fasta-to-elfasta parameters:\n" +
	"elbaq fasta-to-elfasta fasta-file elfasta-file\n" +
	"[--fai fai-file]\n" +
	"[--log-path path]\n"

// FastaToElfasta implements the elbaq fasta-to-elfasta command.
func FastaToElfasta() {
	var faiFile, logPath string

	var flags flag.FlagSet
	flags.StringVar(&faiFile, "fai", "", "FAI index of the fasta file, used to preallocate the sequences")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")
	parseFlags(flags, 4, FastaToElfastaHelp)

	input := getFilename(os.Args[2], FastaToElfastaHelp)
	output := getFilename(os.Args[3], FastaToElfastaHelp)

	setLogOutput(logPath)

	var fai map[string]fasta.FaiReference
	if faiFile != "" {
		fai = fasta.ParseFai(faiFile)
	}
	fasta.ToElfasta(fasta.ParseFasta(input, fai, false, false), output)
}
