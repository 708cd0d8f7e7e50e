package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/metrics"
)

// EventReader pages through the ledger's event log.
type EventReader interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
}

// multipartWriter is implemented by writers that can split large uploads.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

const (
	defaultBatch = 1000
	jsonlType    = "application/x-ndjson"
)

// EventArchiver implements domain.Archiver. Each batch of events becomes
// one JSONL object named after the sequence range it holds:
//
//	<prefix>/2026-03-01/00000000000000000001-00000000000000001000.jsonl
//
// Objects are never rewritten, so a crashed run is resumed from the
// highest archived sequence.
type EventArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	events EventReader
	prefix string
	batch  int
}

// NewEventArchiver creates an EventArchiver. reader may be nil, in which
// case Resume always starts from the beginning.
func NewEventArchiver(writer domain.BlobWriter, reader domain.BlobReader, events EventReader, prefix string, batch int) *EventArchiver {
	if batch <= 0 {
		batch = defaultBatch
	}
	return &EventArchiver{
		writer: writer,
		reader: reader,
		events: events,
		prefix: strings.Trim(prefix, "/"),
		batch:  batch,
	}
}

var _ domain.Archiver = (*EventArchiver)(nil)

// ArchiveEvents uploads every event after afterSeq and returns the last
// archived sequence and how many events were written.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, afterSeq uint64) (uint64, int, error) {
	last, total := afterSeq, 0
	for {
		events, err := a.events.Events(ctx, last, a.batch)
		if err != nil {
			return last, total, fmt.Errorf("s3blob: read events after %d: %w", last, err)
		}
		if len(events) == 0 {
			return last, total, nil
		}

		buf, err := marshalJSONL(events)
		if err != nil {
			return last, total, fmt.Errorf("s3blob: encode events: %w", err)
		}
		first, end := events[0], events[len(events)-1]
		key := a.archivePath(first.Time, first.Seq, end.Seq)
		if err := a.put(ctx, key, buf); err != nil {
			return last, total, err
		}

		last = end.Seq
		total += len(events)
		metrics.ArchivedEvents.Add(float64(len(events)))
		if len(events) < a.batch {
			return last, total, nil
		}
	}
}

// put uploads one archive object. A key that already exists holds the same
// sequence range from an earlier run and counts as written.
func (a *EventArchiver) put(ctx context.Context, key string, buf []byte) error {
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		if err := mw.PutMultipart(ctx, key, bytes.NewReader(buf), jsonlType, minPartSize); err != nil {
			return fmt.Errorf("s3blob: upload %s: %w", key, err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlType); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return nil
}

// Resume returns the highest sequence already archived under the prefix.
func (a *EventArchiver) Resume(ctx context.Context) (uint64, error) {
	if a.reader == nil {
		return 0, nil
	}
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return 0, fmt.Errorf("s3blob: list archives: %w", err)
	}
	var last uint64
	for _, info := range infos {
		if _, end, ok := parseArchiveName(info.Path); ok && end > last {
			last = end
		}
	}
	return last, nil
}

// ReadArchive decodes one archived object.
func (a *EventArchiver) ReadArchive(ctx context.Context, key string) ([]domain.Event, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: read %s: no reader configured", key)
	}
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.Event
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s: %w", key, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", key, err)
	}
	return out, nil
}

// archivePath partitions objects by the UTC day of their first event.
func (a *EventArchiver) archivePath(at time.Time, first, last uint64) string {
	name := fmt.Sprintf("%020d-%020d.jsonl", first, last)
	return path.Join(a.prefix, at.UTC().Format("2006-01-02"), name)
}

func parseArchiveName(p string) (first, last uint64, ok bool) {
	base := strings.TrimSuffix(path.Base(p), ".jsonl")
	lo, hi, found := strings.Cut(base, "-")
	if !found {
		return 0, 0, false
	}
	first, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	last, err = strconv.ParseUint(hi, 10, 64)
	if err != nil || last < first {
		return 0, 0, false
	}
	return first, last, true
}

// marshalJSONL encodes records one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
