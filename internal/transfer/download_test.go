package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/meter"
	"github.com/maneesh/transferbox/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFile struct {
	name, mime, body string
}

// seedBlobs stores files directly in blobs and registers the transfer in meta.
func seedBlobs(blobs *fakeBlobs, meta *fakeMeta, files ...testFile) *models.Transfer {
	t := &models.Transfer{
		TransferID: uuid.NewString(),
		CreatedAt:  time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		ExpiresAt:  time.Date(2026, 4, 9, 10, 0, 0, 0, time.UTC),
	}
	entries := make([]models.FileEntry, 0, len(files))
	for i, f := range files {
		key := fmt.Sprintf("uploads/%d-%s", i, uuid.NewString())
		blobs.store(key, f.body)
		entries = append(entries, models.FileEntry{
			OriginalName: f.name,
			StorageKey:   key,
			Size:         int64(len(f.body)),
			MimeType:     f.mime,
			Checksum:     sha256Hex([]byte(f.body)),
		})
	}
	t.SetFiles(entries)
	if meta != nil {
		meta.transfers[t.TransferID] = t
	}
	return t
}

func newTestStreamer(blobs *fakeBlobs, meta *fakeMeta, opts StreamerOptions) *Streamer {
	var counter DownloadCounter
	if meta != nil {
		counter = meta
	}
	return NewStreamer(blobs, counter, logging.Discard(), opts)
}

type archiveEntry struct {
	name, body string
}

func readArchive(t *testing.T, data []byte) []archiveEntry {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var out []archiveEntry
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out = append(out, archiveEntry{f.Name, string(b)})
	}
	return out
}

func TestStream_SingleFileIsSentRaw(t *testing.T) {
	blobs, meta := newFakeBlobs(), newFakeMeta()
	tr := seedBlobs(blobs, meta, testFile{"notes.txt", "text/plain", "hello world"})
	s := newTestStreamer(blobs, meta, StreamerOptions{})

	sink := &bufferSink{}
	require.NoError(t, s.Stream(context.Background(), tr, sink))
	s.Wait()

	require.Len(t, sink.envelopes, 1)
	assert.Equal(t, Envelope{
		ContentType:   "text/plain",
		ContentLength: 11,
		FileName:      "notes.txt",
		Digest:        meter.ContentDigest(tr.Files[0].Checksum),
	}, sink.envelopes[0])
	assert.Equal(t, "hello world", sink.buf.String())
	assert.Equal(t, int64(1), meta.transfers[tr.TransferID].DownloadCount)
}

func TestStream_SingleFileDefaultsContentType(t *testing.T) {
	blobs := newFakeBlobs()
	tr := seedBlobs(blobs, nil, testFile{"blob", "", "x"})
	s := newTestStreamer(blobs, nil, StreamerOptions{})

	sink := &bufferSink{}
	require.NoError(t, s.Stream(context.Background(), tr, sink))
	assert.Equal(t, "application/octet-stream", sink.envelopes[0].ContentType)
}

func TestStream_SingleFileEmpty(t *testing.T) {
	blobs := newFakeBlobs()
	tr := seedBlobs(blobs, nil, testFile{"empty.txt", "text/plain", ""})
	s := newTestStreamer(blobs, nil, StreamerOptions{})

	sink := &bufferSink{}
	require.NoError(t, s.Stream(context.Background(), tr, sink))
	require.Len(t, sink.envelopes, 1)
	assert.Equal(t, int64(0), sink.envelopes[0].ContentLength)
	assert.Zero(t, sink.buf.Len())
}

func TestStream_OpenFailureBeforeOutput(t *testing.T) {
	for name, setup := range map[string]func(*fakeBlobs, string){
		"missing": func(b *fakeBlobs, key string) { delete(b.objects, key) },
		"get":     func(b *fakeBlobs, key string) { b.failGet[key] = errors.New("access denied") },
		"lazy":    func(b *fakeBlobs, key string) { b.lazyGet[key] = errors.New("NoSuchKey") },
	} {
		t.Run(name, func(t *testing.T) {
			blobs, meta := newFakeBlobs(), newFakeMeta()
			tr := seedBlobs(blobs, meta, testFile{"a.txt", "text/plain", "content"})
			setup(blobs, tr.Files[0].StorageKey)
			s := newTestStreamer(blobs, meta, StreamerOptions{})

			sink := &bufferSink{}
			err := s.Stream(context.Background(), tr, sink)
			require.ErrorIs(t, err, ErrBlobStore)
			assert.False(t, AfterOutput(err))
			assert.Empty(t, sink.envelopes)

			s.Wait()
			assert.Equal(t, int32(0), meta.incs.Load())
		})
	}
}

func TestStream_MidCopyFailureIsStreamError(t *testing.T) {
	blobs, meta := newFakeBlobs(), newFakeMeta()
	tr := seedBlobs(blobs, meta, testFile{"big.bin", "application/octet-stream", "0123456789"})
	blobs.midRead[tr.Files[0].StorageKey] = 4
	s := newTestStreamer(blobs, meta, StreamerOptions{})

	sink := &bufferSink{}
	err := s.Stream(context.Background(), tr, sink)
	require.Error(t, err)
	assert.True(t, AfterOutput(err))
	assert.Len(t, sink.envelopes, 1)
	assert.Equal(t, "0123", sink.buf.String())

	s.Wait()
	assert.Equal(t, int32(0), meta.incs.Load())
}

func TestStream_ArchivePreservesOrder(t *testing.T) {
	for _, depth := range []int{0, 1, 3, 10} {
		t.Run(fmt.Sprintf("prefetch_%d", depth), func(t *testing.T) {
			blobs, meta := newFakeBlobs(), newFakeMeta()
			tr := seedBlobs(blobs, meta,
				testFile{"a.txt", "text/plain", "first"},
				testFile{"b.txt", "text/plain", strings.Repeat("second ", 2000)},
				testFile{"c.txt", "text/plain", "third"},
				testFile{"d.txt", "text/plain", ""},
			)
			s := newTestStreamer(blobs, meta, StreamerOptions{PrefetchDepth: depth, CompressionLevel: 1})

			sink := &bufferSink{}
			require.NoError(t, s.Stream(context.Background(), tr, sink))
			s.Wait()

			require.Len(t, sink.envelopes, 1)
			assert.Equal(t, Envelope{
				ContentType:   "application/zip",
				ContentLength: -1,
				FileName:      tr.TransferID + ".zip",
			}, sink.envelopes[0])
			assert.Equal(t, []archiveEntry{
				{"a.txt", "first"},
				{"b.txt", strings.Repeat("second ", 2000)},
				{"c.txt", "third"},
				{"d.txt", ""},
			}, readArchive(t, sink.buf.Bytes()))
			assert.Equal(t, int64(1), meta.transfers[tr.TransferID].DownloadCount)
			assert.Equal(t, int32(0), blobs.openReads.Load())
		})
	}
}

func TestStream_PrefetchOrderIndependentOfCompletion(t *testing.T) {
	blobs := newFakeBlobs()
	tr := seedBlobs(blobs, nil,
		testFile{"a.txt", "text/plain", "A"},
		testFile{"b.txt", "text/plain", "B"},
		testFile{"c.txt", "text/plain", "C"},
	)
	keys := tr.StorageKeys()
	for _, k := range keys {
		blobs.gates[k] = make(chan struct{})
	}
	blobs.opened = make(chan string, len(keys))
	s := newTestStreamer(blobs, nil, StreamerOptions{PrefetchDepth: 3})

	sink := &bufferSink{}
	done := make(chan error, 1)
	go func() { done <- s.Stream(context.Background(), tr, sink) }()

	// complete the opens in order C, A, B
	for _, i := range []int{2, 0, 1} {
		close(blobs.gates[keys[i]])
		select {
		case got := <-blobs.opened:
			require.Equal(t, keys[i], got)
		case <-time.After(2 * time.Second):
			t.Fatalf("open of member %d did not complete", i)
		}
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	assert.Equal(t, []archiveEntry{{"a.txt", "A"}, {"b.txt", "B"}, {"c.txt", "C"}}, readArchive(t, sink.buf.Bytes()))
}

func TestStream_PrefetchIsBounded(t *testing.T) {
	blobs := newFakeBlobs()
	tr := seedBlobs(blobs, nil,
		testFile{"a", "", "1"}, testFile{"b", "", "2"}, testFile{"c", "", "3"}, testFile{"d", "", "4"},
	)
	keys := tr.StorageKeys()
	for _, k := range keys {
		blobs.gates[k] = make(chan struct{})
	}
	s := newTestStreamer(blobs, nil, StreamerOptions{PrefetchDepth: 2})

	done := make(chan error, 1)
	go func() { done <- s.Stream(context.Background(), tr, &bufferSink{}) }()

	require.Eventually(t, func() bool { return blobs.getCalls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), blobs.getCalls.Load(), "only depth opens may be in flight")

	for _, k := range keys {
		close(blobs.gates[k])
	}
	require.NoError(t, <-done)
	assert.Equal(t, int32(4), blobs.getCalls.Load())
}

func TestStream_SkipsUnreadableMembers(t *testing.T) {
	for name, setup := range map[string]func(*fakeBlobs, string){
		"missing": func(b *fakeBlobs, key string) { delete(b.objects, key) },
		"lazy":    func(b *fakeBlobs, key string) { b.lazyGet[key] = errors.New("NoSuchKey") },
	} {
		for _, depth := range []int{0, 2} {
			t.Run(fmt.Sprintf("%s/prefetch_%d", name, depth), func(t *testing.T) {
				blobs, meta := newFakeBlobs(), newFakeMeta()
				tr := seedBlobs(blobs, meta,
					testFile{"one.txt", "text/plain", "1"},
					testFile{"two.txt", "text/plain", "2"},
					testFile{"three.txt", "text/plain", "3"},
				)
				setup(blobs, tr.Files[1].StorageKey)
				s := newTestStreamer(blobs, meta, StreamerOptions{PrefetchDepth: depth, CompressionLevel: 6})

				sink := &bufferSink{}
				require.NoError(t, s.Stream(context.Background(), tr, sink))
				s.Wait()

				assert.Equal(t, []archiveEntry{{"one.txt", "1"}, {"three.txt", "3"}}, readArchive(t, sink.buf.Bytes()))
				assert.Equal(t, int32(1), meta.incs.Load())
			})
		}
	}
}

func TestStream_SkipsMemberFailingMidRead(t *testing.T) {
	blobs := newFakeBlobs()
	tr := seedBlobs(blobs, nil,
		testFile{"one.txt", "text/plain", "1"},
		testFile{"two.txt", "text/plain", "partial-content"},
		testFile{"three.txt", "text/plain", "3"},
	)
	blobs.midRead[tr.Files[1].StorageKey] = 7
	s := newTestStreamer(blobs, nil, StreamerOptions{})

	sink := &bufferSink{}
	require.NoError(t, s.Stream(context.Background(), tr, sink))

	entries := readArchive(t, sink.buf.Bytes())
	require.Len(t, entries, 3)
	assert.Equal(t, archiveEntry{"one.txt", "1"}, entries[0])
	assert.Equal(t, archiveEntry{"two.txt", "partial"}, entries[1])
	assert.Equal(t, archiveEntry{"three.txt", "3"}, entries[2])

	zr, err := zip.NewReader(bytes.NewReader(sink.buf.Bytes()), int64(sink.buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, "incomplete members: two.txt (7 of 15 bytes)", zr.Comment)
}

func TestStream_CompleteArchiveHasNoComment(t *testing.T) {
	blobs := newFakeBlobs()
	tr := seedBlobs(blobs, nil,
		testFile{"one.txt", "text/plain", "1"},
		testFile{"two.txt", "text/plain", "2"},
	)
	s := newTestStreamer(blobs, nil, StreamerOptions{})

	sink := &bufferSink{}
	require.NoError(t, s.Stream(context.Background(), tr, sink))
	zr, err := zip.NewReader(bytes.NewReader(sink.buf.Bytes()), int64(sink.buf.Len()))
	require.NoError(t, err)
	assert.Empty(t, zr.Comment)
}

func TestIncompleteComment_IsBounded(t *testing.T) {
	names := make([]string, 0, 5000)
	for i := range 5000 {
		names = append(names, fmt.Sprintf("member-%04d.bin (1 of 2 bytes)", i))
	}
	c := incompleteComment(names)
	assert.Len(t, c, maxArchiveComment)
	assert.True(t, strings.HasPrefix(c, "incomplete members: member-0000.bin"))
	assert.True(t, strings.HasSuffix(c, "..."))
}

func TestStream_AllMembersUnreadableFailsBeforeOutput(t *testing.T) {
	for _, depth := range []int{0, 2} {
		t.Run(fmt.Sprintf("prefetch_%d", depth), func(t *testing.T) {
			blobs, meta := newFakeBlobs(), newFakeMeta()
			tr := seedBlobs(blobs, meta,
				testFile{"one.txt", "text/plain", "1"},
				testFile{"two.txt", "text/plain", "2"},
			)
			delete(blobs.objects, tr.Files[0].StorageKey)
			blobs.lazyGet[tr.Files[1].StorageKey] = errors.New("NoSuchKey")
			s := newTestStreamer(blobs, meta, StreamerOptions{PrefetchDepth: depth})

			sink := &bufferSink{}
			err := s.Stream(context.Background(), tr, sink)
			require.ErrorIs(t, err, ErrBlobStore)
			assert.False(t, AfterOutput(err))
			assert.Empty(t, sink.envelopes)
			assert.Zero(t, sink.buf.Len())

			s.Wait()
			assert.Equal(t, int32(0), meta.incs.Load())
			assert.Equal(t, int32(0), blobs.openReads.Load())
		})
	}
}

func TestStream_AbortPolicyAfterOutputIsStreamError(t *testing.T) {
	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	blobs, meta := newFakeBlobs(), newFakeMeta()
	tr := seedBlobs(blobs, meta,
		testFile{"a.bin", "", string(payload)},
		testFile{"b.bin", "", "b"},
	)
	delete(blobs.objects, tr.Files[1].StorageKey)
	s := newTestStreamer(blobs, meta, StreamerOptions{Policy: AbortArchive, CompressionLevel: 0})

	sink := &bufferSink{}
	err := s.Stream(context.Background(), tr, sink)
	require.ErrorIs(t, err, ErrStream)
	assert.True(t, AfterOutput(err))
	assert.Contains(t, err.Error(), "b.bin")
	require.Len(t, sink.envelopes, 1)
	assert.Equal(t, "application/zip", sink.envelopes[0].ContentType)
	assert.Greater(t, sink.buf.Len(), 0)

	s.Wait()
	assert.Equal(t, int32(0), meta.incs.Load())
	assert.Equal(t, int32(0), blobs.openReads.Load())
}

func TestStream_AbortPolicyFailsBeforeOutput(t *testing.T) {
	blobs, meta := newFakeBlobs(), newFakeMeta()
	tr := seedBlobs(blobs, meta,
		testFile{"one.txt", "text/plain", "1"},
		testFile{"two.txt", "text/plain", "2"},
	)
	delete(blobs.objects, tr.Files[1].StorageKey)
	s := newTestStreamer(blobs, meta, StreamerOptions{Policy: AbortArchive})

	sink := &bufferSink{}
	err := s.Stream(context.Background(), tr, sink)
	require.ErrorIs(t, err, ErrBlobStore)
	assert.False(t, AfterOutput(err))
	assert.Contains(t, err.Error(), "two.txt")
	assert.Empty(t, sink.envelopes)

	s.Wait()
	assert.Equal(t, int32(0), meta.incs.Load())
	assert.Equal(t, int32(0), blobs.openReads.Load())
}

func TestStream_SinkFailureReleasesStreams(t *testing.T) {
	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	for _, depth := range []int{0, 3} {
		t.Run(fmt.Sprintf("prefetch_%d", depth), func(t *testing.T) {
			blobs, meta := newFakeBlobs(), newFakeMeta()
			tr := seedBlobs(blobs, meta,
				testFile{"a.bin", "", string(payload)},
				testFile{"b.bin", "", string(payload)},
				testFile{"c.bin", "", string(payload)},
				testFile{"d.bin", "", string(payload)},
			)
			s := newTestStreamer(blobs, meta, StreamerOptions{PrefetchDepth: depth})

			sink := &bufferSink{failAfter: 1024}
			err := s.Stream(context.Background(), tr, sink)
			require.Error(t, err)
			assert.True(t, AfterOutput(err))

			s.Wait()
			assert.Equal(t, int32(0), blobs.openReads.Load())
			assert.Equal(t, int32(0), meta.incs.Load())
		})
	}
}

func TestStream_CanceledArchiveReleasesStreams(t *testing.T) {
	blobs, meta := newFakeBlobs(), newFakeMeta()
	tr := seedBlobs(blobs, meta,
		testFile{"a", "", "1"}, testFile{"b", "", "2"}, testFile{"c", "", "3"},
	)
	s := newTestStreamer(blobs, meta, StreamerOptions{PrefetchDepth: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Stream(ctx, tr, &bufferSink{})
	require.ErrorIs(t, err, context.Canceled)

	s.Wait()
	assert.Equal(t, int32(0), blobs.openReads.Load())
	assert.Equal(t, int32(0), meta.incs.Load())
}

func TestStream_ConcurrentDownloadsAreAllCounted(t *testing.T) {
	blobs, meta := newFakeBlobs(), newFakeMeta()
	tr := seedBlobs(blobs, meta,
		testFile{"a.txt", "text/plain", "alpha"},
		testFile{"b.txt", "text/plain", "beta"},
	)
	s := newTestStreamer(blobs, meta, StreamerOptions{PrefetchDepth: 1, CompressionLevel: 1})

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Stream(context.Background(), tr, &bufferSink{})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	s.Wait()
	assert.Equal(t, int32(n), meta.incs.Load())
	assert.Equal(t, int64(n), meta.transfers[tr.TransferID].DownloadCount)
}

func TestStream_CounterFailureDoesNotFailDownload(t *testing.T) {
	blobs, meta := newFakeBlobs(), newFakeMeta()
	meta.incErr = errors.New("lock wait timeout")
	tr := seedBlobs(blobs, meta, testFile{"a.txt", "text/plain", "alpha"})
	s := newTestStreamer(blobs, meta, StreamerOptions{})

	require.NoError(t, s.Stream(context.Background(), tr, &bufferSink{}))
	s.Wait()
	assert.Equal(t, int32(1), meta.incs.Load())
}

func TestStream_CompressionMethod(t *testing.T) {
	for level, want := range map[int]uint16{0: zip.Store, 1: zip.Deflate, 9: zip.Deflate} {
		blobs := newFakeBlobs()
		tr := seedBlobs(blobs, nil,
			testFile{"a.txt", "", strings.Repeat("a", 1000)},
			testFile{"b.txt", "", strings.Repeat("b", 1000)},
		)
		s := newTestStreamer(blobs, nil, StreamerOptions{CompressionLevel: level})

		sink := &bufferSink{}
		require.NoError(t, s.Stream(context.Background(), tr, sink))
		zr, err := zip.NewReader(bytes.NewReader(sink.buf.Bytes()), int64(sink.buf.Len()))
		require.NoError(t, err)
		for _, f := range zr.File {
			assert.Equal(t, want, f.Method, "level %d", level)
		}
	}
}

func TestStream_DuplicateNamesAreMadeUnique(t *testing.T) {
	blobs := newFakeBlobs()
	tr := seedBlobs(blobs, nil,
		testFile{"photo.jpg", "image/jpeg", "1"},
		testFile{"photo.jpg", "image/jpeg", "2"},
		testFile{"nested/photo.jpg", "image/jpeg", "3"},
	)
	s := newTestStreamer(blobs, nil, StreamerOptions{})

	sink := &bufferSink{}
	require.NoError(t, s.Stream(context.Background(), tr, sink))
	assert.Equal(t, []archiveEntry{
		{"photo.jpg", "1"},
		{"photo (1).jpg", "2"},
		{"photo (2).jpg", "3"},
	}, readArchive(t, sink.buf.Bytes()))
}

func TestStream_EmptyTransfer(t *testing.T) {
	s := newTestStreamer(newFakeBlobs(), nil, StreamerOptions{})
	err := s.Stream(context.Background(), &models.Transfer{TransferID: uuid.NewString()}, &bufferSink{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemberNames_Claim(t *testing.T) {
	n := newMemberNames()
	got := []string{
		n.claim("a.txt", 0),
		n.claim("a.txt", 1),
		n.claim("dir/a.txt", 2),
		n.claim("", 3),
		n.claim(`..\x.txt`, 4),
		n.claim("..", 5),
		n.claim("README", 6),
		n.claim("README", 7),
	}
	assert.Equal(t, []string{"a.txt", "a (1).txt", "a (2).txt", "file-4", "x.txt", "file-6", "README", "README (1)"}, got)
}

func TestParseMemberPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    MemberPolicy
		wantErr bool
	}{
		{"", SkipMember, false},
		{"skip", SkipMember, false},
		{" ABORT ", AbortArchive, false},
		{"retry", SkipMember, true},
	}
	for _, tt := range tests {
		got, err := ParseMemberPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, strings.ToLower(strings.TrimSpace(tt.in)) == "abort", got.String() == "abort")
	}
}

func TestNewStreamer_ClampsOptions(t *testing.T) {
	s := NewStreamer(newFakeBlobs(), nil, logging.Discard(), StreamerOptions{PrefetchDepth: -3, CompressionLevel: 42})
	assert.Equal(t, 0, s.opts.PrefetchDepth)
	assert.Equal(t, 9, s.opts.CompressionLevel)
	assert.Equal(t, defaultCounterTimeout, s.opts.CounterTimeout)
}
