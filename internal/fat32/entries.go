package fat32

import (
	"fmt"

	"github.com/smoynes/xv6go/internal/hart"
)

var dotName = [charShortName]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
var dotDotName = [charShortName]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}

// emakeDotEntries writes dir's own "." and ".." entries at the fixed
// offsets 0 and 32 of its own (freshly allocated) data, matching emake's
// off<=32 branch. It is only ever called right after a directory's first
// cluster is allocated, never to place an ordinary entry in a parent:
// emake overloads off<=32 in one function for both purposes, which
// misfires if an ordinary directory happens to be entirely empty when its
// first child is created (offset 0 would then look like a dot-entry
// write); splitting the two calls avoids that ambiguity entirely.
func (v *Volume) emakeDotEntries(h *hart.Hart, dir, parent *Dirent) {
	dot := encodeShortEntry(dotName, AttrDirectory, dir.FirstClus, 0)
	woff := v.relocClus(h, dir, 0, true)
	v.rwClus(h, dir.CurClus, true, dot, uint32(woff), dentrySize)

	dotdot := encodeShortEntry(dotDotName, AttrDirectory, parent.FirstClus, 0)
	woff = v.relocClus(h, dir, 32, true)
	v.rwClus(h, dir.CurClus, true, dotdot, uint32(woff), dentrySize)
}

// emake writes ep's directory entry (a run of long-name entries, if its
// filename needs one, followed by the short-name entry) into dp's data at
// off, matching emake's general branch.
func (v *Volume) emake(h *hart.Hart, dp, ep *Dirent, off uint32) {
	if !dp.IsDir() {
		panic("fat32: emake: not a directory")
	}

	if off%dentrySize != 0 {
		panic("fat32: emake: offset not aligned")
	}

	parts := encodeLongNameParts(ep.Filename)
	shortname := generateShortname(ep.Filename)
	checksum := calChecksum(shortname)

	entcnt := len(parts)

	for i := entcnt; i > 0; i-- {
		order := uint8(i)
		if i == entcnt {
			order |= lastLongEntry
		}

		e := encodeLongEntry(order, parts[i-1], checksum)

		woff := v.relocClus(h, dp, off, true)
		v.rwClus(h, dp.CurClus, true, e, uint32(woff), dentrySize)
		off += dentrySize
	}

	e := encodeShortEntry(shortname, ep.Attribute, ep.FirstClus, ep.FileSize)
	woff := v.relocClus(h, dp, off, true)
	v.rwClus(h, dp.CurClus, true, e, uint32(woff), dentrySize)
}

// Ealloc creates a new entry named name with the given attribute under
// dp, matching ealloc: a name already present is returned as-is rather
// than duplicated, and a fresh directory gets its own "." and ".."
// entries before being linked into dp.
func (v *Volume) Ealloc(h *hart.Hart, dp *Dirent, name string, attr uint8) (*Dirent, error) {
	if !dp.IsDir() {
		panic("fat32: ealloc: not a directory")
	}

	if dp.Valid != 1 {
		return nil, fmt.Errorf("fat32: ealloc: parent not valid")
	}

	formatted, ok := FormatName(name)
	if !ok {
		return nil, fmt.Errorf("fat32: ealloc: invalid name %q", name)
	}

	var off uint32
	if ep := v.Dirlookup(h, dp, formatted, &off); ep != nil {
		return ep, nil
	}

	ep := v.eget(h, dp, formatted)
	v.Elock(h, ep)

	ep.Attribute = attr
	ep.FileSize = 0
	ep.FirstClus = 0
	ep.Parent = v.Edup(h, dp)
	ep.Off = off
	ep.ClusCnt = 0
	ep.CurClus = 0
	ep.Dirty = false
	ep.Filename = formatted
	ep.Dev = dp.Dev

	if attr == AttrDirectory {
		ep.Attribute |= AttrDirectory
		ep.CurClus = v.allocClus(h)
		ep.FirstClus = ep.CurClus

		v.emakeDotEntries(h, ep, dp)
	} else {
		ep.Attribute |= AttrArchive
	}

	v.emake(h, dp, ep, off)
	ep.Valid = 1

	v.Eunlock(h, ep)

	return ep, nil
}
