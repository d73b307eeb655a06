package hypercall

// The request types below build records the way a guest lays them out,
// and decode the bridge's responses.
type WriteRequest struct {
	FD  int32
	Buf uint64
	Len uint64
}

func (w WriteRequest) Encode() []byte {
	r := make(record, writeRecordSize)
	r.putI32(0, w.FD)
	r.putU64(4, w.Buf)
	r.putU64(12, w.Len)
	return r
}

type ReadRequest struct {
	FD  int32
	Buf uint64
	Len uint64
	Ret int64
}

func (q ReadRequest) Encode() []byte {
	r := make(record, readRecordSize)
	r.putI32(0, q.FD)
	r.putU64(4, q.Buf)
	r.putU64(12, q.Len)
	r.putI64(20, q.Ret)
	return r
}

func DecodeReadRequest(b []byte) ReadRequest {
	r := record(b)
	return ReadRequest{FD: r.i32(0), Buf: r.u64(4), Len: r.u64(12), Ret: r.i64(20)}
}

type OpenRequest struct {
	Name  uint64
	Flags int32
	Mode  int32
	Ret   int32
}

func (o OpenRequest) Encode() []byte {
	r := make(record, openRecordSize)
	r.putU64(0, o.Name)
	r.putI32(8, o.Flags)
	r.putI32(12, o.Mode)
	r.putI32(16, o.Ret)
	return r
}

func DecodeOpenRequest(b []byte) OpenRequest {
	r := record(b)
	return OpenRequest{Name: r.u64(0), Flags: r.i32(8), Mode: r.i32(12), Ret: r.i32(16)}
}

type CloseRequest struct {
	FD  int32
	Ret int32
}

func (c CloseRequest) Encode() []byte {
	r := make(record, closeRecordSize)
	r.putI32(0, c.FD)
	r.putI32(4, c.Ret)
	return r
}

func DecodeCloseRequest(b []byte) CloseRequest {
	r := record(b)
	return CloseRequest{FD: r.i32(0), Ret: r.i32(4)}
}

type LseekRequest struct {
	FD     int32
	Offset int64
	Whence int32
}

func (l LseekRequest) Encode() []byte {
	r := make(record, lseekRecordSize)
	r.putI32(0, l.FD)
	r.putI64(4, l.Offset)
	r.putI32(12, l.Whence)
	return r
}

func DecodeLseekRequest(b []byte) LseekRequest {
	r := record(b)
	return LseekRequest{FD: r.i32(0), Offset: r.i64(4), Whence: r.i32(12)}
}

type NetRequest struct {
	Data uint64
	Len  uint64
	Ret  int32
}

func (n NetRequest) Encode() []byte {
	r := make(record, netRecordSize)
	r.putU64(0, n.Data)
	r.putU64(8, n.Len)
	r.putI32(16, n.Ret)
	return r
}

func DecodeNetRequest(b []byte) NetRequest {
	r := record(b)
	return NetRequest{Data: r.u64(0), Len: r.u64(8), Ret: r.i32(16)}
}

func DecodeWriteRequest(b []byte) WriteRequest {
	r := record(b)
	return WriteRequest{FD: r.i32(0), Buf: r.u64(4), Len: r.u64(12)}
}
