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

// elbaq computes base alignment qualities (BAQ) for the reads in SAM
// files: phred scaled posterior probabilities that read bases are
// misaligned, capped against the original base qualities.
//
// Please see https://github.com/exascience/elbaq for a documentation
// of the tool, and below (and/or
// https://godoc.org/github.com/ExaScience/elbaq) for the API
// documentation.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/exascience/elbaq/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: baq, fasta-to-elfasta")
	fmt.Fprint(os.Stderr, "\n", cmd.BaqHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.FastaToElfastaHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage)
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "baq":
		err = cmd.Baq()
	case "fasta-to-elfasta":
		cmd.FastaToElfasta()
	case "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, cmd.HelpMessage)
		printHelp()
	default:
		log.Println("Invalid command.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage)
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal(err, ", while executing command:\n", os.Args)
	}
}
