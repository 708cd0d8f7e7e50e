package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; ok {
		return domain.ErrAlreadyExists
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

type eventLog []domain.Event

func (l eventLog) Events(_ context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range l {
		if e.Seq > afterSeq {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func makeEvents(n int) eventLog {
	t0 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	out := make(eventLog, n)
	for i := range out {
		out[i] = domain.Event{
			ID:     "evt-" + string(rune('a'+i)),
			Seq:    uint64(i + 1),
			Type:   domain.EventComputationQueued,
			Offset: uint64(100 + i),
			Time:   t0.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestArchiveEventsInBatches(t *testing.T) {
	blobs := newMemBlobs()
	a := NewEventArchiver(blobs, blobs, makeEvents(5), "/events/", 2)

	last, n, err := a.ArchiveEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
	assert.Equal(t, 5, n)

	infos, err := blobs.List(context.Background(), "events/")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "events/2026-03-01/00000000000000000001-00000000000000000002.jsonl", infos[0].Path)
	// The third batch starts after midnight.
	assert.Equal(t, "events/2026-03-02/00000000000000000005-00000000000000000005.jsonl", infos[2].Path)
	assert.Equal(t, jsonlType, blobs.types[infos[0].Path])
}

func TestArchiveEventsResumes(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	log := makeEvents(3)
	a := NewEventArchiver(blobs, blobs, log, "events", 10)

	from, err := a.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, from)

	last, _, err := a.ArchiveEvents(ctx, from)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	// A restarted archiver picks up where the objects end.
	a = NewEventArchiver(blobs, blobs, makeEvents(4), "events", 10)
	from, err = a.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), from)

	last, n, err := a.ArchiveEvents(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)
	assert.Equal(t, 1, n)
}

func TestArchiveEventsNothingNew(t *testing.T) {
	blobs := newMemBlobs()
	a := NewEventArchiver(blobs, nil, makeEvents(2), "events", 10)
	last, n, err := a.ArchiveEvents(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestReadArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	log := makeEvents(3)
	a := NewEventArchiver(blobs, blobs, log, "events", 10)
	_, _, err := a.ArchiveEvents(ctx, 0)
	require.NoError(t, err)

	infos, err := blobs.List(ctx, "events/")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	got, err := a.ReadArchive(ctx, infos[0].Path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, log[1].ID, got[1].ID)
	assert.Equal(t, log[2].Offset, got[2].Offset)
	assert.True(t, log[0].Time.Equal(got[0].Time))
}

type failingWriter struct{}

func (failingWriter) Put(context.Context, string, io.Reader, string) error {
	return errors.New("bucket gone")
}

func TestArchiveEventsKeepsCursorOnFailure(t *testing.T) {
	a := NewEventArchiver(failingWriter{}, nil, makeEvents(3), "events", 2)
	last, n, err := a.ArchiveEvents(context.Background(), 0)
	require.Error(t, err)
	assert.Zero(t, last)
	assert.Zero(t, n)
}

func TestParseArchiveName(t *testing.T) {
	first, last, ok := parseArchiveName("events/2026-03-01/00000000000000000007-00000000000000000009.jsonl")
	require.True(t, ok)
	assert.Equal(t, uint64(7), first)
	assert.Equal(t, uint64(9), last)

	for _, bad := range []string{"events/readme.txt", "events/x/9-7.jsonl", "events/x/a-b.jsonl"} {
		_, _, ok := parseArchiveName(bad)
		assert.False(t, ok, bad)
	}
}

func TestArchiveEventsSkipsExistingObject(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewEventArchiver(blobs, blobs, makeEvents(2), "events", 10)
	_, _, err := a.ArchiveEvents(ctx, 0)
	require.NoError(t, err)

	// A run that lost its cursor rewrites the same range.
	last, n, err := a.ArchiveEvents(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
	assert.Equal(t, 2, n)
	assert.Len(t, blobs.objects, 1)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "http://minio:9000", endpointURL("minio:9000", false))
	assert.Equal(t, "https://minio:9000", endpointURL("minio:9000", true))
	assert.Equal(t, "http://localhost:9000", endpointURL("http://localhost:9000", true))
}
