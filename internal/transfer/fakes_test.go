package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maneesh/transferbox/internal/models"
	"github.com/maneesh/transferbox/internal/storage"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// -------- blob store --------

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int

	failPut map[string]error // by original name
	failGet map[string]error // by key, returned from Get
	lazyGet map[string]error // by key, returned from the first Read
	midRead map[string]int   // by key, fail after n bytes
	gates   map[string]chan struct{}
	opened  chan string // receives keys as Get completes, if set

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	putDelay    time.Duration

	deleted   []string
	deleteErr error
	getCalls  atomic.Int32
	openReads atomic.Int32
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		objects: map[string][]byte{},
		failPut: map[string]error{},
		failGet: map[string]error{},
		lazyGet: map[string]error{},
		midRead: map[string]int{},
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeBlobs) Put(ctx context.Context, r io.Reader, size int64, contentType, originalName string) (string, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.putDelay > 0 {
		time.Sleep(f.putDelay)
	}

	f.mu.Lock()
	err := f.failPut[originalName]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}

	var data []byte
	if size >= 0 {
		data = make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return "", fmt.Errorf("short body: %w", err)
		}
	} else {
		var rerr error
		if data, rerr = io.ReadAll(r); rerr != nil {
			return "", rerr
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := fmt.Sprintf("uploads/%03d-%s", f.seq, originalName)
	f.objects[key] = data
	return key, nil
}

// store places an object directly, bypassing Put.
func (f *fakeBlobs) store(key, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte(data)
}

func (f *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.getCalls.Add(1)
	f.mu.Lock()
	gate := f.gates[key]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	data, ok := f.objects[key]
	getErr := f.failGet[key]
	lazyErr := f.lazyGet[key]
	cut, hasCut := f.midRead[key]
	f.mu.Unlock()

	if f.opened != nil {
		defer func() { f.opened <- key }()
	}
	if getErr != nil {
		return nil, getErr
	}
	var r io.Reader
	switch {
	case lazyErr != nil:
		r = errReader{lazyErr}
	case !ok:
		return nil, fmt.Errorf("object %s: %w", key, storage.ErrNotFound)
	case hasCut:
		r = io.MultiReader(bytes.NewReader(data[:cut]), errReader{errors.New("connection reset")})
	default:
		r = bytes.NewReader(data)
	}
	f.openReads.Add(1)
	return &trackedReadCloser{Reader: r, onClose: func() { f.openReads.Add(-1) }}, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	return f.DeleteMany(ctx, []string{key})
}

func (f *fakeBlobs) DeleteMany(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, keys...)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, k := range keys {
		delete(f.objects, k)
	}
	return nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeBlobs) read(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

type trackedReadCloser struct {
	io.Reader
	once    sync.Once
	onClose func()
}

func (t *trackedReadCloser) Close() error {
	t.once.Do(t.onClose)
	return nil
}

// -------- metadata store --------

type fakeMeta struct {
	mu        sync.Mutex
	transfers map[string]*models.Transfer
	createErr error
	findErr   error
	incErr    error
	calls     atomic.Int32
	incs      atomic.Int32
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{transfers: map[string]*models.Transfer{}}
}

func (f *fakeMeta) CreateTransfer(ctx context.Context, t *models.Transfer) error {
	f.calls.Add(1)
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.transfers[t.TransferID] = &cp
	return nil
}

func (f *fakeMeta) FindByTransferID(ctx context.Context, id string) (*models.Transfer, error) {
	f.calls.Add(1)
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", id, storage.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeMeta) IncrementDownloadCount(ctx context.Context, id string) error {
	f.incs.Add(1)
	if f.incErr != nil {
		return f.incErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transfers[id]; ok {
		t.DownloadCount++
	}
	return nil
}

func (f *fakeMeta) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Transfer, error) {
	return nil, nil
}

func (f *fakeMeta) DeleteTransfer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.transfers, id)
	return nil
}

// -------- cache --------

type fakeCache struct {
	mu     sync.Mutex
	items  map[string]*models.Transfer
	ttls   map[string]time.Duration
	getErr error
	calls  atomic.Int32
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: map[string]*models.Transfer{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	c.calls.Add(1)
	if c.getErr != nil {
		return nil, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[id], nil
}

func (c *fakeCache) SetTransfer(ctx context.Context, t *models.Transfer, ttl time.Duration) error {
	c.calls.Add(1)
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[t.TransferID] = t
	c.ttls[t.TransferID] = ttl
	return nil
}

func (c *fakeCache) InvalidateTransfer(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

// -------- sink --------

type bufferSink struct {
	envelopes []Envelope
	buf       bytes.Buffer
	failAfter int // fail once this many bytes were written; 0 disables
}

func (s *bufferSink) Begin(e Envelope) {
	s.envelopes = append(s.envelopes, e)
}

func (s *bufferSink) Write(p []byte) (int, error) {
	if len(s.envelopes) == 0 {
		panic("write before Begin")
	}
	if s.failAfter > 0 && s.buf.Len()+len(p) > s.failAfter {
		return 0, errors.New("broken pipe")
	}
	return s.buf.Write(p)
}
