package fat32

import (
	"strings"

	"github.com/smoynes/xv6go/internal/hart"
)

// enext scans forward from off in dp's directory data for the next
// occupied entry, assembling any long-name run it finds into the
// returned filename. It returns status -1 at the end of the directory,
// 0 with skipped holding the number of contiguous free 32-byte slots
// found before the next occupied one (used by Ealloc/Dirlookup to find
// room for a new entry), or 1 with ep populated from the entry found and
// skipped holding the number of 32-byte slots that entry occupies (its
// long-name entries plus its short-name entry).
//
// Matches enext. Each call stops after one free run or one entry;
// Dirlookup loops over it and acts on the status value it returns.
// Enext exposes enext for directory-iteration callers outside this
// package (the open-file table's DirNext), so directory traversal never
// needs a second implementation.
func (v *Volume) Enext(h *hart.Hart, dp, ep *Dirent, off uint32) (status int, skipped uint32) {
	return v.enext(h, dp, ep, off)
}

func (v *Volume) enext(h *hart.Hart, dp, ep *Dirent, off uint32) (status int, skipped uint32) {
	if !dp.IsDir() {
		panic("fat32: enext: not a directory")
	}

	if ep.Valid != 0 {
		panic("fat32: enext: ep already valid")
	}

	if off%dentrySize != 0 {
		panic("fat32: enext: offset not aligned")
	}

	if dp.Valid != 1 {
		return -1, 0
	}

	ep.Filename = ""

	start := off

	var (
		cnt     uint32
		parts   []string
		entcnt  int
		termIdx = -1
	)

	for {
		off2 := v.relocClus(h, dp, off, false)
		if off2 == -1 {
			return -1, 0
		}

		e := make([]byte, dentrySize)

		got := v.rwClus(h, dp.CurClus, false, e, uint32(off2), dentrySize)
		if got != dentrySize || e[0] == endOfEntry {
			return -1, 0
		}

		if e[0] == emptyEntry {
			cnt++
			off += dentrySize

			continue
		} else if cnt > 0 {
			return 0, cnt
		}

		order, attr, _, name1, name2, name3 := decodeLongEntry(e)

		if attr == AttrLongName {
			lcnt := int(order &^ lastLongEntry)

			if order&lastLongEntry != 0 {
				entcnt = lcnt
				parts = make([]string, entcnt)
			}

			idx := lcnt - 1

			text, terminated := decodeLongNamePart(name1, name2, name3)
			if idx >= 0 && idx < len(parts) {
				parts[idx] = text
			}

			if terminated {
				termIdx = idx
			}

			off += dentrySize

			continue
		}

		name, sneAttr, firstClus, fileSize := decodeShortEntry(e)

		if len(parts) > 0 {
			end := len(parts)
			if termIdx >= 0 {
				end = termIdx + 1
			}

			ep.Filename = strings.Join(parts[:end], "")
		} else {
			ep.Filename = decodeShortName(name)
		}

		ep.Attribute = sneAttr
		ep.FirstClus = firstClus
		ep.FileSize = fileSize
		ep.CurClus = firstClus
		ep.ClusCnt = 0

		return 1, (off-start)/dentrySize + 1
	}
}

// Dirlookup searches dp for an entry named filename, returning a
// reference to its cached dirent, or nil if not found. When poff is
// non-nil and the name is absent, *poff is set to an offset within dp
// that has room for a new entry of the right size, matching dirlookup.
func (v *Volume) Dirlookup(h *hart.Hart, dp *Dirent, filename string, poff *uint32) *Dirent {
	if !dp.IsDir() {
		panic("fat32: dirlookup: not a directory")
	}

	if filename == "." {
		return v.Edup(h, dp)
	}

	if filename == ".." {
		if dp == &v.root {
			return v.Edup(h, &v.root)
		}

		return v.Edup(h, dp.Parent)
	}

	if dp.Valid != 1 {
		return nil
	}

	ep := v.eget(h, dp, filename)
	if ep.Valid == 1 {
		return ep
	}

	entcnt := (len(filename)+charLongName-1)/charLongName + 1

	var (
		off   uint32
		found bool
	)

	v.relocClus(h, dp, 0, false)

	for {
		status, skipped := v.enext(h, dp, ep, off)
		if status == -1 {
			break
		}

		if status == 0 {
			if poff != nil && !found && skipped >= uint32(entcnt) {
				*poff = off
				found = true
			}
		} else if ep.Filename == filename {
			ep.Parent = v.Edup(h, dp)
			ep.Off = off
			ep.Valid = 1

			return ep
		}

		off += skipped * dentrySize
	}

	if poff != nil && !found {
		*poff = off
	}

	v.Eput(h, ep)

	return nil
}

// skipelem returns the next "/"-separated path element, cut to
// MaxFilename bytes, and the remainder of path, or ("", "") once path is
// exhausted, matching skipelem.
func skipelem(path string) (elem, rest string) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", ""
	}

	i := strings.IndexByte(path, '/')
	if i < 0 {
		i = len(path)
	}

	elem, rest = path[:i], strings.TrimLeft(path[i:], "/")
	if len(elem) > MaxFilename {
		elem = elem[:MaxFilename]
	}

	return elem, rest
}

// lookupPath walks path component by component starting from root (for
// an absolute path) or cwd (for a relative one), matching lookup_path.
// When parent is true, it stops one component short and returns the
// final component's parent directory with name set to that component;
// otherwise it returns the named entry itself.
func (v *Volume) lookupPath(h *hart.Hart, cwd *Dirent, path string, parent bool) (entry *Dirent, name string) {
	if path == "" {
		return nil, ""
	}

	if path[0] == '/' {
		entry = v.Edup(h, &v.root)
	} else {
		entry = v.Edup(h, cwd)
	}

	var elem string

	for {
		elem, path = skipelem(path)
		if elem == "" {
			break
		}

		v.Elock(h, entry)

		if !entry.IsDir() {
			v.Eunlock(h, entry)
			v.Eput(h, entry)

			return nil, ""
		}

		if parent && path == "" {
			v.Eunlock(h, entry)
			return entry, elem
		}

		next := v.Dirlookup(h, entry, elem, nil)
		if next == nil {
			v.Eunlock(h, entry)
			v.Eput(h, entry)

			return nil, ""
		}

		v.Eunlock(h, entry)
		v.Eput(h, entry)
		entry = next
	}

	if parent {
		v.Eput(h, entry)
		return nil, ""
	}

	return entry, ""
}

// Ename resolves path to its entry, matching ename.
func (v *Volume) Ename(h *hart.Hart, cwd *Dirent, path string) *Dirent {
	entry, _ := v.lookupPath(h, cwd, path, false)
	return entry
}

// EnameParent resolves path to its final component's parent directory,
// returning the component's name, matching enameparent.
func (v *Volume) EnameParent(h *hart.Hart, cwd *Dirent, path string) (parent *Dirent, name string) {
	return v.lookupPath(h, cwd, path, true)
}
