package mkdos

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// MaxNameLen is the longest file name the catalog can hold. Directory
// names give up one byte to the marker.
const MaxNameLen = NameSize

// ValidateName checks that a name fits the catalog's fixed 14-byte
// KOI8-R field. Names that cannot be stored are rejected rather than
// truncated: a truncated name would collide with a different file whose
// name happens to match the truncation.
func ValidateName(name string, dir bool) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\x00") {
		return ErrInvalidName
	}
	encoded, err := charmap.KOI8R.NewEncoder().String(name)
	if err != nil {
		return ErrInvalidName
	}
	if encoded[0] == DirMarker {
		return ErrInvalidName
	}
	limit := MaxNameLen
	if dir {
		limit--
	}
	if len(encoded) > limit {
		return ErrNameTooLong
	}
	return nil
}

// NamesEqual compares two names the way MK-DOS lookup does: after
// normalization, ignoring case.
func NamesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// encodeName packs a validated name into the fixed field, space padded,
// with the directory marker prepended for directories.
func encodeName(name string, dir bool) ([NameSize]byte, error) {
	var field [NameSize]byte

	if err := ValidateName(name, dir); err != nil {
		return field, err
	}
	encoded, err := charmap.KOI8R.NewEncoder().String(name)
	if err != nil {
		return field, ErrInvalidName
	}

	for i := range field {
		field[i] = ' '
	}
	pos := 0
	if dir {
		field[0] = DirMarker
		pos = 1
	}
	copy(field[pos:], encoded)
	return field, nil
}

// decodeName recovers a name from its raw field bytes, dropping the
// space padding. Undecodable bytes are replaced rather than failing:
// the entry must stay addressable even if its name was mangled.
func decodeName(raw []byte) string {
	decoded, err := charmap.KOI8R.NewDecoder().Bytes(raw)
	if err != nil {
		decoded = raw
	}
	return strings.TrimRight(string(decoded), " \x00")
}
