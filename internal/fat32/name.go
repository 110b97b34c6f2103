package fat32

import (
	"strings"
	"unicode/utf16"
)

// illegalChars are the characters formatname rejects everywhere in a
// filename, matching fat32.c's illegal[] array.
const illegalChars = "\"*/:<>?\\|"

// illegalShortChars are additionally replaced with '_' when generating an
// 8.3 short name: legal in a long-name entry, not in a short one.
const illegalShortChars = "+,;=[]"

// FormatName trims leading spaces and dots, rejects control characters
// and the characters illegal in either name form, and trims trailing
// spaces, matching formatname. It returns ("", false) for an invalid
// name.
func FormatName(name string) (string, bool) {
	name = strings.TrimLeft(name, " .")

	for _, c := range name {
		if c < 0x20 || strings.ContainsRune(illegalChars, c) {
			return "", false
		}
	}

	name = strings.TrimRight(name, " ")

	return name, name != ""
}

// generateShortname derives an 8.3 short name from a long filename,
// matching generate_shortname: the basename is packed left-justified into
// the first 8 bytes, the extension (text after the last '.') into the
// last 3, both upper-cased, illegal short-name characters replaced with
// '_', and short fields padded with spaces.
func generateShortname(name string) [charShortName]byte {
	var short [charShortName]byte
	for i := range short {
		short[i] = ' '
	}

	dot := strings.LastIndexByte(name, '.')

	base := name
	ext := ""

	if dot >= 0 {
		base = name[:dot]
		ext = name[dot+1:]
	}

	i := 0

	for _, c := range []byte(base) {
		if i >= 8 {
			break
		}

		if c == ' ' {
			continue
		}

		short[i] = shortNameByte(c)
		i++
	}

	i = 8

	for _, c := range []byte(ext) {
		if i >= charShortName {
			break
		}

		if c == ' ' {
			continue
		}

		short[i] = shortNameByte(c)
		i++
	}

	return short
}

func shortNameByte(c byte) byte {
	switch {
	case c >= 'a' && c <= 'z':
		return c - ('a' - 'A')
	case strings.IndexByte(illegalShortChars, c) >= 0:
		return '_'
	default:
		return c
	}
}

// calChecksum returns the short name's LFN checksum, matching
// cal_checksum exactly: it folds in every byte of the packed 11-byte
// name, rotating the running sum right by one bit between bytes.
func calChecksum(short [charShortName]byte) uint8 {
	var sum uint8

	for _, c := range short {
		carry := uint8(0)
		if sum&1 != 0 {
			carry = 0x80
		}

		sum = carry + (sum >> 1) + c
	}

	return sum
}

// encodeLongNameParts splits name's UTF-16 encoding into the 13-unit
// chunks a run of long-name entries carries, padding the final chunk with
// a NUL terminator (when it has room for one) followed by 0xFFFF filler, matching emake's per-entry
// name1/name2/name3 packing.
func encodeLongNameParts(name string) [][charLongName]uint16 {
	units := utf16.Encode([]rune(name))

	n := (len(units) + charLongName - 1) / charLongName // ceil(len/13)
	if n == 0 {
		n = 1
	}

	parts := make([][charLongName]uint16, n)

	for i := range parts {
		for j := range parts[i] {
			parts[i][j] = 0xffff
		}
	}

	pos := 0

	for i := 0; i < n; i++ {
		for j := 0; j < charLongName; j++ {
			if pos < len(units) {
				parts[i][j] = units[pos]
				pos++
			} else if pos == len(units) {
				parts[i][j] = 0
				pos++
			} else {
				break
			}
		}
	}

	return parts
}

// decodeLongNamePart extracts the up-to-13 UTF-16 units a single
// long-name entry carries, stopping at the first NUL, matching
// read_entry_name's long-name branch. terminated reports whether a NUL
// was found, so the caller can discard filler chunks that follow it.
func decodeLongNamePart(name1, name2, name3 []uint16) (text string, terminated bool) {
	units := make([]uint16, 0, charLongName)
	units = append(units, name1...)
	units = append(units, name2...)
	units = append(units, name3...)

	for i, u := range units {
		if u == 0 {
			units = units[:i]
			terminated = true

			break
		}
	}

	return string(utf16.Decode(units)), terminated
}

// decodeShortName reconstructs a filename from a packed 8.3 short-name
// field, matching read_entry_name's short-name branch: trailing spaces in
// the base are dropped, a '.' is inserted only if the extension is
// non-blank, and trailing spaces in the extension are dropped.
func decodeShortName(short [charShortName]byte) string {
	var b strings.Builder

	i := 0
	for ; i < 8 && short[i] != ' '; i++ {
		b.WriteByte(short[i])
	}

	if short[8] != ' ' {
		b.WriteByte('.')
	}

	for j := 8; j < charShortName; j++ {
		if short[j] == ' ' {
			break
		}

		b.WriteByte(short[j])
	}

	return b.String()
}
