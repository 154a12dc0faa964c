package program

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemDB is an in-memory Database implementation. It backs the merge
// replay executor's unit tests and any environment where the real
// disassembler collaborator is absent.
type MemDB struct {
	mu sync.Mutex

	format  Format
	bitness int

	segments  []Segment
	bytes     map[Addr]byte
	functions []Function
	code      map[Addr]bool
	names     map[Addr]string
	comments  map[Addr]string
	protos    map[Addr]string

	saved int
}

// NewMemDB creates an empty database for the given format and bitness.
func NewMemDB(format Format, bitness int) *MemDB {
	return &MemDB{
		format:   format,
		bitness:  bitness,
		bytes:    make(map[Addr]byte),
		code:     make(map[Addr]bool),
		names:    make(map[Addr]string),
		comments: make(map[Addr]string),
		protos:   make(map[Addr]string),
	}
}

func (db *MemDB) Format() Format { return db.format }
func (db *MemDB) Bitness() int   { return db.bitness }

func (db *MemDB) Segments() []Segment {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Segment, len(db.segments))
	copy(out, db.segments)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (db *MemDB) AddSegment(seg Segment) error {
	if seg.Start >= seg.End {
		return fmt.Errorf("program: invalid segment range %#x-%#x", seg.Start, seg.End)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.segments {
		if seg.Start < existing.End && existing.Start < seg.End {
			return fmt.Errorf("program: segment %q overlaps %q", seg.Name, existing.Name)
		}
	}
	db.segments = append(db.segments, seg)
	return nil
}

func (db *MemDB) DeleteSegment(start Addr) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, seg := range db.segments {
		if seg.Start == start {
			for a := seg.Start; a < seg.End; a++ {
				delete(db.bytes, a)
				delete(db.code, a)
			}
			db.segments = append(db.segments[:i], db.segments[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("program: no segment at %#x", start)
}

func (db *MemDB) segmentOf(addr Addr) (Segment, bool) {
	for _, seg := range db.segments {
		if seg.Contains(addr) {
			return seg, true
		}
	}
	return Segment{}, false
}

func (db *MemDB) ReadBytes(addr Addr, n int) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		a := addr + Addr(i)
		if _, ok := db.segmentOf(a); !ok {
			return nil, fmt.Errorf("program: read from unmapped address %#x", a)
		}
		out[i] = db.bytes[a]
	}
	return out, nil
}

func (db *MemDB) WriteBytes(addr Addr, data []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range data {
		if _, ok := db.segmentOf(addr + Addr(i)); !ok {
			return fmt.Errorf("program: write to unmapped address %#x", addr+Addr(i))
		}
	}
	for i, b := range data {
		db.bytes[addr+Addr(i)] = b
	}
	return nil
}

// AddFunction registers a function span for containment queries.
func (db *MemDB) AddFunction(start, end Addr) {
	db.mu.Lock()
	db.functions = append(db.functions, Function{Start: start, End: end})
	db.mu.Unlock()
}

func (db *MemDB) FunctionAt(addr Addr) (Function, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, f := range db.functions {
		if addr >= f.Start && addr < f.End {
			return f, true
		}
	}
	return Function{}, false
}

// MarkCode flags [start, end) as decoded instructions.
func (db *MemDB) MarkCode(start, end Addr) {
	db.mu.Lock()
	for a := start; a < end; a++ {
		db.code[a] = true
	}
	db.mu.Unlock()
}

func (db *MemDB) IsCode(addr Addr) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.code[addr]
}

func (db *MemDB) Reanalyze(start, end Addr) error {
	if start >= end {
		return fmt.Errorf("program: invalid analysis range %#x-%#x", start, end)
	}
	return nil
}

func (db *MemDB) Disassemble(start, end Addr) (string, error) {
	data, err := db.ReadBytes(start, int(end-start))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, by := range data {
		fmt.Fprintf(&b, "%#x: db 0x%02x\n", start+Addr(i), by)
	}
	return b.String(), nil
}

func (db *MemDB) SetName(addr Addr, name string) error {
	db.mu.Lock()
	db.names[addr] = name
	db.mu.Unlock()
	return nil
}

func (db *MemDB) NameAt(addr Addr) (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n, ok := db.names[addr]
	return n, ok
}

func (db *MemDB) SetComment(addr Addr, comment string) error {
	db.mu.Lock()
	db.comments[addr] = comment
	db.mu.Unlock()
	return nil
}

func (db *MemDB) CommentAt(addr Addr) (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.comments[addr]
	return c, ok
}

func (db *MemDB) SetPrototype(addr Addr, prototype string) error {
	db.mu.Lock()
	db.protos[addr] = prototype
	db.mu.Unlock()
	return nil
}

// PrototypeAt returns the prototype at addr, if any.
func (db *MemDB) PrototypeAt(addr Addr) (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.protos[addr]
	return p, ok
}

func (db *MemDB) FileOffset(addr Addr) Addr {
	db.mu.Lock()
	defer db.mu.Unlock()
	// File layout mirrors the virtual layout segment by segment.
	var off Addr
	segs := make([]Segment, len(db.segments))
	copy(segs, db.segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	for _, seg := range segs {
		if seg.Contains(addr) {
			return off + (addr - seg.Start)
		}
		off += seg.Size()
	}
	return BADADDR
}

func (db *MemDB) Save() error {
	db.mu.Lock()
	db.saved++
	db.mu.Unlock()
	return nil
}

// SaveCount returns how many times Save ran, for tests.
func (db *MemDB) SaveCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saved
}

// MemBinary is an in-memory BinaryFile.
type MemBinary struct {
	mu   sync.Mutex
	data []byte
}

// NewMemBinary creates a binary image of the given size.
func NewMemBinary(size int) *MemBinary {
	return &MemBinary{data: make([]byte, size)}
}

func (b *MemBinary) WriteAt(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("program: write past end of binary (offset %#x, len %d)", offset, len(data))
	}
	copy(b.data[offset:], data)
	return nil
}

func (b *MemBinary) AppendSegment(name string, size uint64, data []byte) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("program: segment name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	offset := uint64(len(b.data))
	seg := make([]byte, size)
	copy(seg, data)
	b.data = append(b.data, seg...)
	return offset, nil
}

// Bytes returns a copy of the image, for tests.
func (b *MemBinary) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
