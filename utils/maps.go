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

// A SmallMapEntry is one key/value pair of a SmallMap.
type SmallMapEntry struct {
	Key   Symbol
	Value interface{}
}

// A SmallMap is an association list from symbols to values. For the
// handful of optional fields a typical alignment carries, scanning a
// short slice beats a native map in both memory and time.
type SmallMap []SmallMapEntry

// Get returns the value stored for key, and whether there is one.
func (m SmallMap) Get(key Symbol) (interface{}, bool) {
	for i := range m {
		if m[i].Key == key {
			return m[i].Value, true
		}
	}
	return nil, false
}

// Set stores value for key, overwriting the previous entry for the
// same key if there is one.
func (m *SmallMap) Set(key Symbol, value interface{}) {
	for i := range *m {
		if (*m)[i].Key == key {
			(*m)[i].Value = value
			return
		}
	}
	*m = append(*m, SmallMapEntry{Key: key, Value: value})
}

// Delete removes the entry for key, if there is one, and reports
// whether it did.
func (m *SmallMap) Delete(key Symbol) bool {
	for i := range *m {
		if (*m)[i].Key == key {
			*m = append((*m)[:i], (*m)[i+1:]...)
			return true
		}
	}
	return false
}

// A StringMap holds the tag/value fields of one SAM header record.
type StringMap map[string]string

// Find returns the index of the first record for which pred returns
// true, or -1 when there is none.
func Find(records []StringMap, pred func(record StringMap) bool) int {
	for i, record := range records {
		if pred(record) {
			return i
		}
	}
	return -1
}

// SetUniqueEntry adds the key/value pair to the record and returns
// true, or returns false without modifying the record when key is
// already present.
func (record StringMap) SetUniqueEntry(key, value string) bool {
	if _, present := record[key]; present {
		return false
	}
	record[key] = value
	return true
}
