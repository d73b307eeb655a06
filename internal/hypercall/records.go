package hypercall

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/uhyve/internal/hv"
)

// Request records are packed and little-endian. Each size below is the
// full record including response fields.
const (
	// write: fd i32 @0, buf u64 @4, len u64 @12. len is replaced by the
	// number of bytes written, or -1.
	writeRecordSize = 20
	// read: fd i32 @0, buf u64 @4, len u64 @12, ret i64 @20.
	readRecordSize = 28
	// open: name u64 @0, flags i32 @8, mode i32 @12, ret i32 @16.
	openRecordSize = 20
	// close: fd i32 @0, ret i32 @4.
	closeRecordSize = 8
	// lseek: fd i32 @0, offset i64 @4, whence i32 @12. offset is replaced
	// by the resulting position, or -1.
	lseekRecordSize = 16
	// exit: status i32 @0.
	exitRecordSize = 4
	// netinfo: mac [18]byte @0.
	netInfoRecordSize = 18
	// netwrite and netread: data u64 @0, len u64 @8, ret i32 @16.
	netRecordSize = 20
)

// MACStringSize is the size of a MAC address in "aa:bb:cc:dd:ee:ff" form
// including its NUL terminator.
const MACStringSize = netInfoRecordSize

// maxPathLen bounds the file name read for open.
const maxPathLen = 4096

// record is a view of one request record in guest memory.
type record []byte

func loadRecord(mem *hv.GuestMemory, gpa uint64, size uint64) (record, error) {
	b, err := mem.Slice(gpa, size)
	if err != nil {
		return nil, fmt.Errorf("hypercall record at 0x%x: %w", gpa, err)
	}
	return record(b), nil
}

func (r record) i32(off int) int32        { return int32(binary.LittleEndian.Uint32(r[off:])) }
func (r record) u64(off int) uint64       { return binary.LittleEndian.Uint64(r[off:]) }
func (r record) i64(off int) int64        { return int64(r.u64(off)) }
func (r record) putI32(off int, v int32)  { binary.LittleEndian.PutUint32(r[off:], uint32(v)) }
func (r record) putU64(off int, v uint64) { binary.LittleEndian.PutUint64(r[off:], v) }
func (r record) putI64(off int, v int64)  { r.putU64(off, uint64(v)) }
