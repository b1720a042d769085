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

package utils

import (
	"github.com/exascience/pargo/sync"

	"github.com/exascience/elbaq/internal"
)

// A Symbol is the canonical pointer for a string: strings that are
// equal intern to the same pointer, so symbols can be compared and
// hashed as pointers.
type Symbol *string

type internKey string

func (k internKey) Hash() uint64 {
	return internal.StringHash(string(k))
}

var internTable = sync.NewMap(0)

// Intern returns the Symbol for the given string.
//
// Interning the same string twice yields the same pointer, and
// interning different strings yields different pointers, so
// Intern(s1) == Intern(s2) exactly when s1 == s2.
//
// It is safe for multiple goroutines to call Intern concurrently.
func Intern(s string) Symbol {
	symbol, _ := internTable.LoadOrStore(internKey(s), Symbol(&s))
	return symbol.(Symbol)
}
