// Package fat32 implements the FAT32 filesystem core: reading
// the BIOS parameter block, walking FAT cluster chains, and reading and
// writing file data through the buffer cache.
//
// Grounded line-for-line on xv6's fat32.c/fat32.h: the
// same BPB field layout, the same first_sec_of_clus/fat_sec_of_clus
// arithmetic, and the same reloc_clus cursor-caching scheme (a dirent
// remembers the cluster it last visited so sequential access doesn't
// re-walk the chain from the start every call).
package fat32

import (
	"bytes"
	"fmt"

	"github.com/smoynes/xv6go/internal/bcache"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/sleeplock"
	"github.com/smoynes/xv6go/internal/spinlock"
)

// File attributes, straight out of the on-disk short-name entry's attr
// byte.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

const (
	lastLongEntry = 0x40
	fat32EOC      = 0x0ffffff8
	emptyEntry    = 0xe5
	endOfEntry    = 0x00
	charLongName  = 13 // UTF-16 units packed into one long-name entry
	charShortName = 11 // bytes in the packed 8.3 name field

	// MaxFilename is the longest filename this filesystem stores,
	// matching FAT32_MAX_FILENAME.
	MaxFilename = 255

	dentrySize = 32 // every directory entry, long or short, is 32 bytes
)

// BPB holds the fields of the BIOS Parameter Block this driver actually
// uses. Fields xv6 reads but never acts on (media descriptor,
// volume label, and the rest of the reserved-area bytes) are intentionally
// not modeled.
type BPB struct {
	BytsPerSec uint16
	SecPerClus uint8
	RsvdSecCnt uint16
	FATCnt     uint8
	HiddSec    uint32
	TotSec     uint32
	FATSz      uint32
	RootClus   uint32
}

// ErrNotFAT32 is returned when the boot sector doesn't carry the "FAT32"
// signature this driver requires.
var ErrNotFAT32 = fmt.Errorf("fat32: not a FAT32 volume")

// Volume is one mounted FAT32 filesystem: BPB-derived geometry, the
// cluster allocator, and the directory-entry cache.
type Volume struct {
	log *log.Logger

	bc  *bcache.Cache
	dev int

	bpb          BPB
	firstDataSec uint32
	dataSecCnt   uint32
	dataClusCnt  uint32
	bytsPerClus  uint32

	ecacheLock *spinlock.Lock
	entries    []Dirent // fixed-size backing store; never grown after New
	root       Dirent

	sched sleeplock.Scheduler
}

// New reads sector 0 of dev through bc, validates the FAT32 signature,
// derives the volume's geometry, and builds an nentries-slot directory
// cache rooted at the volume's root directory, matching fat32_init.
func New(h *hart.Hart, sched sleeplock.Scheduler, bc *bcache.Cache, dev int, nentries int) (*Volume, error) {
	b, err := bc.Read(h, dev, 0)
	if err != nil {
		return nil, fmt.Errorf("fat32: read boot sector: %w", err)
	}
	defer bc.Release(h, b)

	if !bytes.Equal(b.Data[82:87], []byte("FAT32")) {
		return nil, ErrNotFAT32
	}

	v := &Volume{
		log:        log.DefaultLogger(),
		bc:         bc,
		dev:        dev,
		ecacheLock: spinlock.New("fat32.ecache"),
		entries:    make([]Dirent, nentries),
		sched:      sched,
	}

	v.bpb.BytsPerSec = le16(b.Data, 11)
	v.bpb.SecPerClus = b.Data[13]
	v.bpb.RsvdSecCnt = le16(b.Data, 14)
	v.bpb.FATCnt = b.Data[16]
	v.bpb.HiddSec = le32(b.Data, 28)
	v.bpb.TotSec = le32(b.Data, 32)
	v.bpb.FATSz = le32(b.Data, 36)
	v.bpb.RootClus = le32(b.Data, 44)

	v.firstDataSec = uint32(v.bpb.RsvdSecCnt) + uint32(v.bpb.FATCnt)*v.bpb.FATSz
	v.dataSecCnt = v.bpb.TotSec - v.firstDataSec
	v.dataClusCnt = v.dataSecCnt / uint32(v.bpb.SecPerClus)
	v.bytsPerClus = uint32(v.bpb.SecPerClus) * uint32(v.bpb.BytsPerSec)

	if int(v.bpb.BytsPerSec) != bc.SectorSize() {
		return nil, fmt.Errorf("fat32: byts_per_sec %d != device sector size %d", v.bpb.BytsPerSec, bc.SectorSize())
	}

	v.initRoot(sched)
	v.initEcache(sched)

	return v, nil
}

func (v *Volume) initRoot(sched sleeplock.Scheduler) {
	v.root = Dirent{
		Attribute: AttrDirectory | AttrSystem,
		FirstClus: v.bpb.RootClus,
		CurClus:   v.bpb.RootClus,
		Valid:     1,
		Lock:      sleeplock.New(sched, "entry.root"),
	}
	v.root.next = &v.root
	v.root.prev = &v.root
}

// initEcache links every cache slot into the circular list immediately
// after the root, exactly as fat32_init's ring-construction loop does.
func (v *Volume) initEcache(sched sleeplock.Scheduler) {
	for i := range v.entries {
		de := &v.entries[i]
		*de = Dirent{Lock: sleeplock.New(sched, fmt.Sprintf("entry.%d", i))}

		de.next = v.root.next
		de.prev = &v.root
		v.root.next.prev = de
		v.root.next = de
	}
}

func le16(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func putLE32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// BytesPerCluster returns the volume's cluster size in bytes.
func (v *Volume) BytesPerCluster() uint32 { return v.bytsPerClus }

// Root returns the volume's root directory entry.
func (v *Volume) Root() *Dirent { return &v.root }
