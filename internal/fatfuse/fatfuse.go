// Package fatfuse mounts a *fat32.Volume as a real, externally-drivable
// FUSE filesystem: every node is one FAT32 directory entry, and every
// FUSE callback is a thin adapter onto Eread/Ewrite/Dirlookup/Ealloc/
// Eremove.
//
// Grounded on github.com/hanwen/go-fuse/v2/fs's loopback filesystem
// (fs/loopback.go): an fs.Inode-embedding Node type, one Root holding
// shared state, NewInode/StableAttr for wiring a looked-up child into the
// tree, and the same NodeLookuper/NodeGetattrer/NodeOpendirer/
// NodeReaddirer/NodeOpener/NodeReader/NodeWriter/NodeCreater/
// NodeMkdirer/NodeUnlinker/NodeRmdirer set the loopback node implements.
// Where the loopback filesystem calls os.Lstat/os.Open/syscall.Mkdir
// against a real host path, Node below calls the matching *fat32.Volume
// method against its own Dirent.
package fatfuse

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/smoynes/xv6go/internal/fat32"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
)

// directoryEntrySize is FAT32's fixed 32-byte directory entry, long-name
// or short-name alike; a format constant, not an implementation detail of
// package fat32, so it is safe to name here directly the same way
// Dirlookup's own off-advancement does.
const directoryEntrySize = 32

// Root owns the volume every Node in the mounted tree reads and writes
// through.
//
// Every fat32 call needs a *hart.Hart (Sleep/lock-ownership bookkeeping),
// but a FUSE server dispatches each request on its own goroutine with no
// process-table process behind it, so there is no "current hart" to
// reuse. hart mints a fresh, disposable one per request, the same
// throwaway-identity pattern proc.Table.Wakeup already uses for its own
// hartless scan.
type Root struct {
	vol *fat32.Volume
	log *log.Logger

	nextHart int64
}

// NewRoot builds the shared state for a mount of vol.
func NewRoot(vol *fat32.Volume) *Root {
	return &Root{vol: vol, log: log.DefaultLogger()}
}

func (r *Root) hart() *hart.Hart {
	id := atomic.AddInt64(&r.nextHart, 1)
	return hart.New(int(id))
}

// node returns the Inode embedder for entry, the common tail of Lookup,
// Create, and Mkdir.
func (r *Root) node(entry *fat32.Dirent) *Node {
	return &Node{root: r, entry: entry}
}

// Mount mounts vol's volume at dir and starts serving FUSE requests,
// matching fs.Mount's own convenience-wrapper shape.
func Mount(dir string, vol *fat32.Volume, options *fs.Options) (*fuse.Server, error) {
	root := NewRoot(vol)
	return fs.Mount(dir, root.node(vol.Root()), options)
}

// Node is one FUSE inode, backed by a single FAT32 directory entry (the
// volume's root directory, for the tree's root Node).
type Node struct {
	fs.Inode

	root  *Root
	entry *fat32.Dirent
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeOpendirer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeReader    = (*Node)(nil)
	_ fs.NodeWriter    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
)

func stableAttr(entry *fat32.Dirent) fs.StableAttr {
	mode := uint32(syscall.S_IFREG)
	if entry.IsDir() {
		mode = syscall.S_IFDIR
	}

	return fs.StableAttr{Mode: mode}
}

// fillAttr fills out from entry. There is no notion of unix permission
// bits in a FAT32 short-name entry's attribute byte beyond read-only, so
// every node gets a fixed, permissive mode past the file-type bits.
func fillAttr(entry *fat32.Dirent, attr *fuse.Attr) {
	mode := uint32(0o644)
	if entry.IsDir() {
		mode = 0o755 | syscall.S_IFDIR
	} else {
		mode |= syscall.S_IFREG
	}

	if entry.Attribute&fat32.AttrReadOnly != 0 {
		mode &^= 0o222
	}

	attr.Mode = mode
	attr.Size = uint64(entry.FileSize)
	attr.Nlink = 1
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, fat32.ErrReadOnly):
		return syscall.EROFS
	default:
		return syscall.EIO
	}
}

// Getattr fills out from this node's entry, matching estat's fields.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(n.entry, &out.Attr)
	return fs.OK
}

// Lookup resolves name under this directory via Dirlookup, wiring the
// found entry into the FUSE inode tree.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	h := n.root.hart()

	child := n.root.vol.Dirlookup(h, n.entry, name, nil)
	if child == nil {
		return nil, syscall.ENOENT
	}

	fillAttr(child, &out.Attr)

	return n.NewInode(ctx, n.root.node(child), stableAttr(child)), fs.OK
}

// Opendir rejects a non-directory entry; ReadDir does the real work.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	if !n.entry.IsDir() {
		return syscall.ENOTDIR
	}

	return fs.OK
}

// Readdir walks this directory's entries via Enext, the same traversal
// Dirlookup itself uses, filtering the "." and ".." entries every FAT32
// directory's own data carries (fuse's kernel side supplies those).
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	h := n.root.hart()

	var list []fuse.DirEntry

	ep := &fat32.Dirent{}

	var off uint32

	for {
		status, skipped := n.root.vol.Enext(h, n.entry, ep, off)
		if status == -1 {
			break
		}

		if status == 1 {
			if ep.Filename != "." && ep.Filename != ".." {
				mode := uint32(syscall.S_IFREG)
				if ep.IsDir() {
					mode = syscall.S_IFDIR
				}

				list = append(list, fuse.DirEntry{Name: ep.Filename, Mode: mode})
			}
		}

		off += skipped * directoryEntrySize
	}

	return fs.NewListDirStream(list), fs.OK
}

// Open rejects opening a directory as a file; no FileHandle is needed
// since Node already holds the entry Read/Write operate against.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.entry.IsDir() {
		return nil, 0, syscall.EISDIR
	}

	return nil, 0, fs.OK
}

// Read is eread, locked the same way file.Table.Read locks a KindEntry
// descriptor around it.
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h := n.root.hart()

	n.root.vol.Elock(h, n.entry)
	got := n.root.vol.Eread(h, n.entry, dest, uint32(off))
	n.root.vol.Eunlock(h, n.entry)

	return fuse.ReadResultData(dest[:got]), fs.OK
}

// Write is ewrite, locked the same way file.Table.Write locks a KindEntry
// descriptor around it.
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h := n.root.hart()

	n.root.vol.Elock(h, n.entry)
	wrote, err := n.root.vol.Ewrite(h, n.entry, data, uint32(off))
	n.root.vol.Eunlock(h, n.entry)

	return wrote, toErrno(err)
}

// Create is ealloc with AttrArchive (a regular file), matching
// xv6's create/O_CREATE path.
func (n *Node) Create(
	ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut,
) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	h := n.root.hart()

	child, err := n.root.vol.Ealloc(h, n.entry, name, 0)
	if err != nil {
		return nil, nil, 0, syscall.EINVAL
	}

	fillAttr(child, &out.Attr)

	return n.NewInode(ctx, n.root.node(child), stableAttr(child)), nil, 0, fs.OK
}

// Mkdir is ealloc with AttrDirectory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	h := n.root.hart()

	child, err := n.root.vol.Ealloc(h, n.entry, name, fat32.AttrDirectory)
	if err != nil {
		return nil, syscall.EINVAL
	}

	fillAttr(child, &out.Attr)

	return n.NewInode(ctx, n.root.node(child), stableAttr(child)), fs.OK
}

// Unlink removes a regular-file child, removing a regular-file directory entry.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(name, false)
}

// Rmdir removes a directory child, removing a directory's own entry.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(name, true)
}

func (n *Node) remove(name string, wantDir bool) syscall.Errno {
	h := n.root.hart()

	child := n.root.vol.Dirlookup(h, n.entry, name, nil)
	if child == nil {
		return syscall.ENOENT
	}

	if child.IsDir() != wantDir {
		n.root.vol.Eput(h, child)

		if wantDir {
			return syscall.ENOTDIR
		}

		return syscall.EISDIR
	}

	n.root.vol.Eremove(h, child)
	n.root.vol.Eput(h, child)

	return fs.OK
}
