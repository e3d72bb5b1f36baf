package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/meter"
	"github.com/maneesh/transferbox/internal/models"
	"github.com/maneesh/transferbox/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	readBufferSize        = 32 << 10
	defaultCounterTimeout = 10 * time.Second
)

// MemberPolicy decides what happens when one archive member cannot be read.
type MemberPolicy int

const (
	// SkipMember omits the member and keeps going.
	SkipMember MemberPolicy = iota
	// AbortArchive fails the whole response.
	AbortArchive
)

// ParseMemberPolicy accepts "skip" and "abort".
func ParseMemberPolicy(s string) (MemberPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return SkipMember, nil
	case "abort":
		return AbortArchive, nil
	}
	return SkipMember, fmt.Errorf("unknown member failure policy %q", s)
}

func (p MemberPolicy) String() string {
	if p == AbortArchive {
		return "abort"
	}
	return "skip"
}

// Envelope describes the response body before the first byte is written.
// ContentLength is -1 when unknown.
type Envelope struct {
	ContentType   string
	ContentLength int64
	FileName      string
	Digest        string
}

// Sink receives a download. Begin is called exactly once, before any Write.
type Sink interface {
	io.Writer
	Begin(Envelope)
}

// StreamerOptions tunes the Streamer. Zero values pick defaults.
type StreamerOptions struct {
	Policy MemberPolicy
	// PrefetchDepth is how many archive members may be opened ahead of the
	// one being encoded; 0 opens them one at a time.
	PrefetchDepth int
	// CompressionLevel is the flate level for archive members; 0 stores.
	CompressionLevel int
	CounterTimeout   time.Duration
}

// Streamer writes a resolved transfer to a Sink.
type Streamer struct {
	blobs   storage.BlobStore
	counter DownloadCounter
	log     logging.Logger
	opts    StreamerOptions

	pending sync.WaitGroup
}

func NewStreamer(blobs storage.BlobStore, counter DownloadCounter, log logging.Logger, opts StreamerOptions) *Streamer {
	if opts.CounterTimeout <= 0 {
		opts.CounterTimeout = defaultCounterTimeout
	}
	if opts.PrefetchDepth < 0 {
		opts.PrefetchDepth = 0
	}
	opts.CompressionLevel = max(flate.NoCompression, min(opts.CompressionLevel, flate.BestCompression))
	return &Streamer{blobs: blobs, counter: counter, log: log, opts: opts}
}

// Stream sends t to sink: the raw file for a single-file transfer, a ZIP
// archive otherwise. Errors wrapping ErrStream happened after output began
// and cannot change the response.
func (s *Streamer) Stream(ctx context.Context, t *models.Transfer, sink Sink) error {
	if len(t.Files) == 0 {
		return newError(ErrInvalidInput, "stream", errors.New("transfer has no files"))
	}

	ctx, span := tracer.Start(ctx, "stream_transfer",
		trace.WithAttributes(
			attribute.String("transfer_id", t.TransferID),
			attribute.Int("file_count", len(t.Files)),
		),
	)
	defer span.End()

	out := &trackedSink{sink: sink}
	var err error
	if len(t.Files) == 1 {
		err = s.streamFile(ctx, t.Files[0], out)
	} else {
		err = s.streamArchive(ctx, t, out)
	}
	if err != nil {
		span.RecordError(err)
		if out.started {
			err = newError(ErrStream, "stream", err)
		}
		return err
	}

	span.SetAttributes(attribute.Int64("bytes_sent", out.written))
	s.countDownload(ctx, t.TransferID)
	return nil
}

func (s *Streamer) streamFile(ctx context.Context, f models.FileEntry, out *trackedSink) error {
	m := s.open(ctx, f)
	if m.err != nil {
		return m.err
	}
	defer m.rc.Close()

	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	out.begin(Envelope{
		ContentType:   contentType,
		ContentLength: f.Size,
		FileName:      f.OriginalName,
		Digest:        meter.ContentDigest(f.Checksum),
	})

	n, err := io.Copy(out, m.br)
	if err != nil {
		return fmt.Errorf("copy %s after %d bytes: %w", f.StorageKey, n, err)
	}
	if n != f.Size {
		return fmt.Errorf("object %s yielded %d bytes, expected %d", f.StorageKey, n, f.Size)
	}
	return nil
}

func (s *Streamer) streamArchive(ctx context.Context, t *models.Transfer, out *trackedSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	envelope := Envelope{
		ContentType:   "application/zip",
		ContentLength: -1,
		FileName:      t.TransferID + ".zip",
	}
	lazy := &lazySink{out: out, envelope: envelope}

	zw := zip.NewWriter(lazy)
	level := s.opts.CompressionLevel
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	method := zip.Deflate
	if level == flate.NoCompression {
		method = zip.Store
	}

	src := s.members(ctx, t.Files)
	defer src.close()

	names := newMemberNames()
	skipped := 0
	var truncated []string
	for i, f := range t.Files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("archive interrupted at member %d: %w", i, err)
		}
		m := src.next(i)
		if m.err != nil {
			if err := s.memberFailed(ctx, t, f, i, m.err); err != nil {
				return err
			}
			skipped++
			continue
		}

		hdr := &zip.FileHeader{
			Name:     names.claim(f.OriginalName, i),
			Method:   method,
			Modified: t.CreatedAt,
		}
		n, err := s.writeMember(zw, hdr, m)
		m.rc.Close()
		var rerr *sourceError
		if errors.As(err, &rerr) {
			// bytes of this member may already be out; the entry stays truncated
			if err := s.memberFailed(ctx, t, f, i, rerr.err); err != nil {
				return err
			}
			s.log.Warn(ctx, "archive member truncated",
				"transfer_id", t.TransferID, "name", hdr.Name, "written", n, "size", f.Size)
			truncated = append(truncated, fmt.Sprintf("%s (%d of %d bytes)", hdr.Name, n, f.Size))
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("encode member %d: %w", i, err)
		}
	}

	if skipped == len(t.Files) && !out.started {
		return newError(ErrBlobStore, "archive",
			fmt.Errorf("none of the %d members could be read", len(t.Files)))
	}

	if len(truncated) > 0 {
		if err := zw.SetComment(incompleteComment(truncated)); err != nil {
			return fmt.Errorf("annotate archive: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	lazy.start()

	if skipped > 0 {
		s.log.Warn(ctx, "archive sent with missing members",
			"transfer_id", t.TransferID, "skipped", skipped, "total", len(t.Files))
	}
	return nil
}

func (s *Streamer) memberFailed(ctx context.Context, t *models.Transfer, f models.FileEntry, idx int, err error) error {
	if s.opts.Policy == AbortArchive {
		return newError(ErrBlobStore, "archive member",
			fmt.Errorf("member %d (%s): %w", idx, f.OriginalName, err))
	}
	s.log.Warn(ctx, "skipping unreadable archive member",
		"transfer_id", t.TransferID,
		"index", idx,
		"name", f.OriginalName,
		"storage_key", f.StorageKey,
		"error", err,
	)
	return nil
}

// writeMember copies one member into the archive and returns the
// uncompressed bytes written.
func (s *Streamer) writeMember(zw *zip.Writer, hdr *zip.FileHeader, m member) (int64, error) {
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	src := &sourceReader{r: m.br}
	n, err := io.Copy(w, src)
	if err != nil {
		if src.err != nil {
			return n, &sourceError{err: src.err}
		}
		return n, err
	}
	return n, nil
}

// maxArchiveComment is the ZIP end-of-central-directory comment limit.
const maxArchiveComment = 0xffff

// incompleteComment lists truncated members in the archive comment so the
// recipient can tell a short entry from a complete one.
func incompleteComment(members []string) string {
	c := "incomplete members: " + strings.Join(members, "; ")
	if len(c) > maxArchiveComment {
		c = c[:maxArchiveComment-3] + "..."
	}
	return c
}

// countDownload bumps the counter without holding up the response.
func (s *Streamer) countDownload(ctx context.Context, id string) {
	if s.counter == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CounterTimeout)
		defer cancel()
		if err := s.counter.IncrementDownloadCount(cctx, id); err != nil {
			s.log.Warn(cctx, "failed to increment download count", "transfer_id", id, "error", err)
		}
	}()
}

// Wait blocks until background download-count updates have finished.
func (s *Streamer) Wait() {
	s.pending.Wait()
}

// member is an opened blob stream whose first byte has been fetched, so
// lazy backends have already reported a missing object.
type member struct {
	rc  io.ReadCloser
	br  *bufio.Reader
	err error
}

func (s *Streamer) open(ctx context.Context, f models.FileEntry) member {
	rc, err := s.blobs.Get(ctx, f.StorageKey)
	if err != nil {
		return member{err: newError(ErrBlobStore, "open", err)}
	}
	br := bufio.NewReaderSize(rc, readBufferSize)
	if _, err := br.Peek(1); err != nil && err != io.EOF {
		rc.Close()
		return member{err: newError(ErrBlobStore, "open", err)}
	}
	return member{rc: rc, br: br}
}

type memberSource interface {
	next(i int) member
	close()
}

func (s *Streamer) members(ctx context.Context, files []models.FileEntry) memberSource {
	if s.opts.PrefetchDepth == 0 {
		return &sequentialMembers{s: s, ctx: ctx, files: files}
	}
	return s.prefetch(ctx, files, s.opts.PrefetchDepth)
}

type sequentialMembers struct {
	s     *Streamer
	ctx   context.Context
	files []models.FileEntry
}

func (q *sequentialMembers) next(i int) member { return q.s.open(q.ctx, q.files[i]) }
func (q *sequentialMembers) close()            {}

// prefetchedMembers opens up to depth members ahead. Each member has its own
// slot, so emission follows file order whatever order the opens finish in.
type prefetchedMembers struct {
	slots  []chan member
	tokens chan struct{}
	cancel context.CancelFunc
	taken  int
	wg     *sync.WaitGroup
}

func (s *Streamer) prefetch(ctx context.Context, files []models.FileEntry, depth int) *prefetchedMembers {
	ctx, cancel := context.WithCancel(ctx)
	q := &prefetchedMembers{
		slots:  make([]chan member, len(files)),
		tokens: make(chan struct{}, depth),
		cancel: cancel,
		wg:     &s.pending,
	}
	for i := range q.slots {
		q.slots[i] = make(chan member, 1)
	}

	go func() {
		for i, f := range files {
			select {
			case q.tokens <- struct{}{}:
			case <-ctx.Done():
				for j := i; j < len(files); j++ {
					q.slots[j] <- member{err: newError(ErrBlobStore, "open", ctx.Err())}
				}
				return
			}
			go func() { q.slots[i] <- s.open(ctx, f) }()
		}
	}()
	return q
}

func (q *prefetchedMembers) next(i int) member {
	m := <-q.slots[i]
	// slots filled after cancellation never took a token
	select {
	case <-q.tokens:
	default:
	}
	q.taken = i + 1
	return m
}

// close cancels outstanding opens and releases whatever they produced.
func (q *prefetchedMembers) close() {
	q.cancel()
	rest := q.slots[q.taken:]
	if len(rest) == 0 {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for _, slot := range rest {
			if m := <-slot; m.rc != nil {
				m.rc.Close()
			}
		}
	}()
}

// memberNames keeps archive member names flat and unique.
type memberNames map[string]bool

func newMemberNames() memberNames { return memberNames{} }

func (n memberNames) claim(original string, idx int) string {
	name := path.Base(strings.ReplaceAll(original, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "file-" + strconv.Itoa(idx+1)
	}
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for k := 1; n[candidate]; k++ {
		candidate = fmt.Sprintf("%s (%d)%s", stem, k, ext)
	}
	n[candidate] = true
	return candidate
}

// trackedSink remembers whether the response has started.
type trackedSink struct {
	sink    Sink
	started bool
	written int64
}

func (t *trackedSink) begin(e Envelope) {
	if t.started {
		return
	}
	t.started = true
	t.sink.Begin(e)
}

func (t *trackedSink) Write(p []byte) (int, error) {
	n, err := t.sink.Write(p)
	t.written += int64(n)
	return n, err
}

// lazySink begins the response on the first write.
type lazySink struct {
	out      *trackedSink
	envelope Envelope
}

func (l *lazySink) start() { l.out.begin(l.envelope) }

func (l *lazySink) Write(p []byte) (int, error) {
	l.start()
	return l.out.Write(p)
}

// sourceReader records read errors so they can be told apart from
// encoder/sink errors.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }
