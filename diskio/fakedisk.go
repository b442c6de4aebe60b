package diskio

import (
	"context"
	"fmt"
	"sync"
)

// FakeDisk is an in-memory Disk used by unit tests, grounded on the
// teacher's fs/fileiosim.go simulator: a lock-guarded map of path to
// byte-slice "file" content, with a monotonic generation counter bumped on
// every write.
type FakeDisk struct {
	mu    sync.Mutex
	files map[string]*fakeFile
	// FailWriteAt, when non-empty, is matched against a handle's path; the
	// next WriteScatter/WriteSync/AsyncIO(write) to that path fails and is
	// cleared, whichever write that is (data, leaf, root table or header).
	// Used to simulate an I/O failure mid-write (§8 scenario 5).
	FailWriteAt map[string]bool
}

type fakeFile struct {
	data       []byte
	generation uint64
	path       string
}

func (f *fakeFile) Path() string { return f.path }

// NewFakeDisk returns an empty FakeDisk.
func NewFakeDisk() *FakeDisk {
	return &FakeDisk{
		files:       make(map[string]*fakeFile),
		FailWriteAt: make(map[string]bool),
	}
}

func (d *FakeDisk) Open(ctx context.Context, path string, mode OpenMode) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[path]
	if !ok {
		if mode == ReadOnly {
			return nil, fmt.Errorf("fakedisk: %s does not exist", path)
		}
		f = &fakeFile{path: path}
		d.files[path] = f
	}
	return f, nil
}

func (d *FakeDisk) Close(ctx context.Context, h Handle) error { return nil }

func (d *FakeDisk) ReadSync(ctx context.Context, h Handle, offset int64, buf []byte) (int, error) {
	f := h.(*fakeFile)
	d.mu.Lock()
	defer d.mu.Unlock()
	end := offset + int64(len(buf))
	if end > int64(len(f.data)) {
		// Reads past EOF return zeros, matching a sparse file's semantics.
		n := copy(buf, f.data[min64(offset, int64(len(f.data))):])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return len(buf), nil
	}
	copy(buf, f.data[offset:end])
	return len(buf), nil
}

func (d *FakeDisk) WriteSync(ctx context.Context, h Handle, offset int64, buf []byte) (int, error) {
	f := h.(*fakeFile)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWriteAt[f.path] {
		delete(d.FailWriteAt, f.path)
		return 0, fmt.Errorf("fakedisk: induced write failure on %s", f.path)
	}
	end := offset + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:end], buf)
	f.generation++
	return len(buf), nil
}

func (d *FakeDisk) ReadScatter(ctx context.Context, h Handle, sg SGList) error {
	for _, e := range sg {
		if _, err := d.ReadSync(ctx, h, e.Offset, e.Buffer); err != nil {
			return err
		}
	}
	return nil
}

func (d *FakeDisk) WriteScatter(ctx context.Context, h Handle, sg SGList) error {
	for _, e := range sg {
		if _, err := d.WriteSync(ctx, h, e.Offset, e.Buffer); err != nil {
			return err
		}
	}
	return nil
}

func (d *FakeDisk) AsyncIO(ctx context.Context, h Handle, sg SGList, token Token, op OpKind) error {
	go func() {
		var err error
		if op == OpRead {
			err = d.ReadScatter(ctx, h, sg)
		} else {
			err = d.WriteScatter(ctx, h, sg)
		}
		if err != nil {
			token.Complete(Status{HostStatus: 1, Err: err})
			return
		}
		token.Complete(StatusOK)
	}()
	return nil
}

func (d *FakeDisk) GetAttrs(ctx context.Context, h Handle) (Attributes, error) {
	f := h.(*fakeFile)
	d.mu.Lock()
	defer d.mu.Unlock()
	return Attributes{Length: int64(len(f.data)), Generation: f.generation, BlockSize: 512}, nil
}

func (d *FakeDisk) SetAttrs(ctx context.Context, h Handle, flags SetAttrFlags, attrs Attributes) error {
	f := h.(*fakeFile)
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags&SetLength != 0 {
		if attrs.Length > int64(len(f.data)) {
			grown := make([]byte, attrs.Length)
			copy(grown, f.data)
			f.data = grown
		} else {
			f.data = f.data[:attrs.Length]
		}
	}
	if flags&SetGeneration != 0 {
		f.generation = attrs.Generation
	}
	return nil
}

func (d *FakeDisk) Limits() Limits {
	return Limits{MaxSGEntries: 512, MaxBytesPerIO: 64 * 1024 * 1024}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
