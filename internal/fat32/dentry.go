package fat32

// This file packs and unpacks the 32-byte on-disk directory entry
// formats: the short-name entry (short_name_entry_t) and the long-name
// entry (long_name_entry_t). Both share one 32-byte slot; which one a
// buffer holds is told apart by the order byte (endOfEntry/emptyEntry) or
// the attr byte (AttrLongName) at the same fixed offsets xv6's C union
// relies on.

func encodeShortEntry(name [charShortName]byte, attr uint8, firstClus, fileSize uint32) []byte {
	e := make([]byte, dentrySize)

	copy(e[0:11], name[:])
	e[11] = attr
	putLE16(e, 20, uint16(firstClus>>16))
	putLE16(e, 26, uint16(firstClus&0xffff))
	putLE32(e, 28, fileSize)

	return e
}

func decodeShortEntry(e []byte) (name [charShortName]byte, attr uint8, firstClus, fileSize uint32) {
	copy(name[:], e[0:11])
	attr = e[11]
	firstClus = uint32(le16(e, 20))<<16 | uint32(le16(e, 26))
	fileSize = le32(e, 28)

	return
}

func encodeLongEntry(order uint8, part [charLongName]uint16, checksum uint8) []byte {
	e := make([]byte, dentrySize)

	e[0] = order
	for i, u := range part[0:5] {
		putLE16(e, 1+2*i, u)
	}

	e[11] = AttrLongName
	e[13] = checksum

	for i, u := range part[5:11] {
		putLE16(e, 14+2*i, u)
	}

	for i, u := range part[11:13] {
		putLE16(e, 28+2*i, u)
	}

	return e
}

func decodeLongEntry(e []byte) (order, attr, checksum uint8, name1, name2, name3 []uint16) {
	order = e[0]
	attr = e[11]
	checksum = e[13]

	name1 = make([]uint16, 5)
	for i := range name1 {
		name1[i] = le16(e, 1+2*i)
	}

	name2 = make([]uint16, 6)
	for i := range name2 {
		name2[i] = le16(e, 14+2*i)
	}

	name3 = make([]uint16, 2)
	for i := range name3 {
		name3[i] = le16(e, 28+2*i)
	}

	return
}
