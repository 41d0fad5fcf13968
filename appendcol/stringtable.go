// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package appendcol

import (
	"encoding/binary"
	"errors"
)

// lengthPrefixSize is the byte width of the length prefix every interned
// string carries ahead of its UTF-8 bytes.
const lengthPrefixSize = 4

// ErrStringTooLarge is returned when a string (plus its length prefix)
// would not fit in a single page.
var ErrStringTooLarge = errors.New("appendcol: string too large for one page")

// StringTable interns immutable UTF-8 strings as length-prefixed records
// in a Collection (spec.md §4.7, "used for variable-length immutable
// records (e.g. interned UTF-8 strings)").
type StringTable struct {
	col *Collection
}

// NewStringTable constructs a StringTable backed by a fresh Collection.
func NewStringTable(pageSize uintptr, capacity int) *StringTable {
	return &StringTable{col: New(pageSize, capacity)}
}

// Intern reserves a new record holding s and returns its id. Interning the
// same string twice yields two distinct ids; StringTable does not dedupe.
func (st *StringTable) Intern(s string) (uint32, error) {
	total := lengthPrefixSize + len(s)
	if uintptr(total) > st.col.pageSize {
		return 0, ErrStringTooLarge
	}
	id, data, err := st.col.Reserve(total)
	if err != nil {
		if errors.Is(err, ErrRecordTooLarge) {
			return 0, ErrStringTooLarge
		}
		return 0, err
	}
	binary.LittleEndian.PutUint32(data[:lengthPrefixSize], uint32(len(s)))
	copy(data[lengthPrefixSize:], s)
	return id, nil
}

// String decodes the string previously interned at id.
func (st *StringTable) String(id uint32) (string, error) {
	prefix, err := st.col.Get(id, lengthPrefixSize)
	if err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(prefix)

	full, err := st.col.Get(id, lengthPrefixSize+int(n))
	if err != nil {
		return "", err
	}
	return string(full[lengthPrefixSize:]), nil
}
