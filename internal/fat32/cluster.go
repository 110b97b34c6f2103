package fat32

import (
	"fmt"

	"github.com/smoynes/xv6go/internal/hart"
)

func (v *Volume) firstSecOfClus(cluster uint32) uint32 {
	return (cluster-2)*uint32(v.bpb.SecPerClus) + v.firstDataSec
}

func (v *Volume) fatSecOfClus(cluster uint32, fatNum uint8) uint32 {
	return uint32(v.bpb.RsvdSecCnt) + (cluster*4)/uint32(v.bpb.BytsPerSec) + v.bpb.FATSz*uint32(fatNum-1)
}

func (v *Volume) fatOffsetOfClus(cluster uint32) uint32 {
	return (cluster * 4) % uint32(v.bpb.BytsPerSec)
}

// readFAT returns the FAT entry for cluster: either the next cluster in
// the chain or an end-of-chain/reserved marker.
func (v *Volume) readFAT(h *hart.Hart, cluster uint32) uint32 {
	if cluster >= fat32EOC {
		return cluster
	}

	if cluster > v.dataClusCnt+1 {
		return 0
	}

	sec := v.fatSecOfClus(cluster, 1)

	b, err := v.bc.Read(h, v.dev, uint64(sec))
	if err != nil {
		panic(fmt.Sprintf("fat32: readFAT: %s", err))
	}
	defer v.bc.Release(h, b)

	return le32(b.Data, int(v.fatOffsetOfClus(cluster)))
}

func (v *Volume) writeFAT(h *hart.Hart, cluster, content uint32) error {
	if cluster > v.dataClusCnt+1 {
		return fmt.Errorf("fat32: writeFAT: cluster %d out of range", cluster)
	}

	sec := v.fatSecOfClus(cluster, 1)

	b, err := v.bc.Read(h, v.dev, uint64(sec))
	if err != nil {
		return err
	}
	defer v.bc.Release(h, b)

	putLE32(b.Data, int(v.fatOffsetOfClus(cluster)), content)

	return v.bc.Write(h, b)
}

func (v *Volume) zeroClus(h *hart.Hart, cluster uint32) {
	sec := v.firstSecOfClus(cluster)

	for i := uint8(0); i < v.bpb.SecPerClus; i++ {
		b, err := v.bc.Read(h, v.dev, uint64(sec))
		if err != nil {
			panic(fmt.Sprintf("fat32: zeroClus: %s", err))
		}

		for i := range b.Data {
			b.Data[i] = 0
		}

		if err := v.bc.Write(h, b); err != nil {
			panic(fmt.Sprintf("fat32: zeroClus: %s", err))
		}

		v.bc.Release(h, b)
		sec++
	}
}

// allocClus scans the FAT linearly for a free entry, marks it allocated,
// zeroes its data, and returns its cluster number. It panics
// ("no clusters") on exhaustion: a teaching kernel with a fixed,
// pre-sized volume treats running out of disk as fatal rather than a
// recoverable condition.
func (v *Volume) allocClus(h *hart.Hart) uint32 {
	entPerSec := uint32(v.bpb.BytsPerSec) / 4
	sec := uint32(v.bpb.RsvdSecCnt)

	for i := uint32(0); i < v.bpb.FATSz; i++ {
		b, err := v.bc.Read(h, v.dev, uint64(sec))
		if err != nil {
			panic(fmt.Sprintf("fat32: allocClus: %s", err))
		}

		for j := uint32(0); j < entPerSec; j++ {
			if le32(b.Data, int(j*4)) == 0 {
				putLE32(b.Data, int(j*4), fat32EOC+7)

				if err := v.bc.Write(h, b); err != nil {
					panic(fmt.Sprintf("fat32: allocClus: %s", err))
				}

				v.bc.Release(h, b)

				clus := i*entPerSec + j
				v.zeroClus(h, clus)

				return clus
			}
		}

		v.bc.Release(h, b)
		sec++
	}

	panic("fat32: no clusters")
}

func (v *Volume) freeClus(h *hart.Hart, cluster uint32) {
	if err := v.writeFAT(h, cluster, 0); err != nil {
		panic(fmt.Sprintf("fat32: freeClus: %s", err))
	}
}

// rwClus transfers n bytes between data (at off within cluster) and the
// device, matching rw_clus with the user/kernel split dropped: every
// caller in this port already holds a plain Go byte slice.
func (v *Volume) rwClus(h *hart.Hart, cluster uint32, write bool, data []byte, off, n uint32) uint32 {
	if off+n > v.bytsPerClus {
		panic("fat32: rwClus: offset out of range")
	}

	sec := v.firstSecOfClus(cluster) + off/uint32(v.bpb.BytsPerSec)
	off = off % uint32(v.bpb.BytsPerSec)

	var tot uint32

	di := uint32(0)

	for tot < n {
		b, err := v.bc.Read(h, v.dev, uint64(sec))
		if err != nil {
			break
		}

		m := uint32(v.bpb.BytsPerSec) - off
		if n-tot < m {
			m = n - tot
		}

		if write {
			copy(b.Data[off:off+m], data[di:di+m])

			if werr := v.bc.Write(h, b); werr != nil {
				v.bc.Release(h, b)
				break
			}
		} else {
			copy(data[di:di+m], b.Data[off:off+m])
		}

		v.bc.Release(h, b)

		tot += m
		off += m
		di += m
		sec++

		if off >= uint32(v.bpb.BytsPerSec) {
			off = 0
		}
	}

	return tot
}

// relocClus finds the cluster holding file offset off, extending the
// chain (allocating as it goes when alloc is set) or re-walking from the
// first cluster when off lands behind the entry's cached cursor. It
// returns off's offset within that cluster, or -1 if off lies past the
// chain's end and alloc is false.
func (v *Volume) relocClus(h *hart.Hart, entry *Dirent, off uint32, alloc bool) int64 {
	clusNum := off / v.bytsPerClus

	for clusNum > entry.ClusCnt {
		clus := v.readFAT(h, entry.CurClus)

		if clus >= fat32EOC {
			if alloc {
				clus = v.allocClus(h)

				if err := v.writeFAT(h, entry.CurClus, clus); err != nil {
					panic(fmt.Sprintf("fat32: relocClus: %s", err))
				}
			} else {
				entry.CurClus = entry.FirstClus
				entry.ClusCnt = 0

				return -1
			}
		}

		entry.CurClus = clus
		entry.ClusCnt++
	}

	if clusNum < entry.ClusCnt {
		entry.CurClus = entry.FirstClus
		entry.ClusCnt = 0

		for entry.ClusCnt < clusNum {
			entry.CurClus = v.readFAT(h, entry.CurClus)
			if entry.CurClus >= fat32EOC {
				panic("fat32: relocClus: chain ended before target offset")
			}

			entry.ClusCnt++
		}
	}

	return int64(off % v.bytsPerClus)
}
