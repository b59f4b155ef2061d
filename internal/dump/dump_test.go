package dump

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/soundvault/listenstore/internal/errs"
	"github.com/soundvault/listenstore/internal/model"
	"github.com/soundvault/listenstore/internal/repository"
)

type fakeInserter struct {
	batches [][]model.Listen
}

func (f *fakeInserter) Insert(_ context.Context, listens []model.Listen) ([]model.InsertedListen, error) {
	batch := make([]model.Listen, len(listens))
	copy(batch, listens)
	f.batches = append(f.batches, batch)
	return make([]model.InsertedListen, len(listens)), nil
}

type fakePager struct {
	pages   [][]model.Listen
	cursors []repository.DumpCursor
}

func (f *fakePager) ListenPage(_ context.Context, cursor repository.DumpCursor, _ int) ([]model.Listen, error) {
	f.cursors = append(f.cursors, cursor)
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func dumpLine(t *testing.T, at int64, userID int64, msid uuid.UUID) string {
	t.Helper()
	b, err := json.Marshal(model.DumpRecord{
		ListenedAt:    at,
		UserID:        userID,
		RecordingMSID: msid,
		TrackMetadata: json.RawMessage(`{"track_name":"song"}`),
	})
	require.NoError(t, err)
	return string(b)
}

func markerLine(t *testing.T, version int) string {
	t.Helper()
	b, err := json.Marshal(model.VersionMarker{SchemaSequence: version})
	require.NoError(t, err)
	return string(b)
}

func TestImport_OK(t *testing.T) {
	ins := &fakeInserter{}
	im := NewImporter(ins, nil)

	msid := uuid.Must(uuid.NewV4())
	stream := strings.Join([]string{
		markerLine(t, model.DumpSchemaVersion),
		"",
		dumpLine(t, 1_700_000_000, 1, msid),
		dumpLine(t, 1_700_000_060, 2, msid),
	}, "\n")

	n, err := im.Import(context.Background(), strings.NewReader(stream), model.DumpSchemaVersion)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, ins.batches, 1)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), ins.batches[0][0].ListenedAt)
	require.Equal(t, int64(2), ins.batches[0][1].UserID)
}

func TestImport_SchemaMismatch(t *testing.T) {
	ins := &fakeInserter{}
	im := NewImporter(ins, nil)

	stream := markerLine(t, 7) + "\n" + dumpLine(t, 1_700_000_000, 1, uuid.Must(uuid.NewV4()))

	n, err := im.Import(context.Background(), strings.NewReader(stream), 8)
	require.ErrorIs(t, err, errs.ErrSchemaMismatch)
	require.Zero(t, n)
	require.Empty(t, ins.batches)
}

func TestImport_MissingMarker(t *testing.T) {
	ins := &fakeInserter{}
	im := NewImporter(ins, nil)

	// A stream that opens with a listen record has no marker to check.
	stream := dumpLine(t, 1_700_000_000, 1, uuid.Must(uuid.NewV4()))
	_, err := im.Import(context.Background(), strings.NewReader(stream), model.DumpSchemaVersion)
	require.ErrorIs(t, err, errs.ErrSchemaMismatch)

	_, err = im.Import(context.Background(), strings.NewReader(""), model.DumpSchemaVersion)
	require.ErrorIs(t, err, errs.ErrSchemaMismatch)
	require.Empty(t, ins.batches)
}

func TestImport_MalformedRecordStopsStream(t *testing.T) {
	ins := &fakeInserter{}
	im := NewImporter(ins, nil)

	stream := markerLine(t, model.DumpSchemaVersion) + "\n{not json"
	_, err := im.Import(context.Background(), strings.NewReader(stream), model.DumpSchemaVersion)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestExport_WritesMarkerAndRecords(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0).UTC()
	pager := &fakePager{pages: [][]model.Listen{{
		{ListenedAt: t0, UserID: 1, RecordingMSID: uuid.Must(uuid.NewV4()), TrackMetadata: json.RawMessage(`{"track_name":"a"}`)},
		{ListenedAt: t0.Add(time.Minute), UserID: 2, RecordingMSID: uuid.Must(uuid.NewV4()), TrackMetadata: json.RawMessage(`{"track_name":"b"}`)},
	}}}
	ex := NewExporter(pager, nil)

	var buf bytes.Buffer
	n, err := ex.Export(context.Background(), &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []repository.DumpCursor{{}}, pager.cursors)

	sc := bufio.NewScanner(&buf)
	require.True(t, sc.Scan())
	var marker model.VersionMarker
	require.NoError(t, json.Unmarshal(sc.Bytes(), &marker))
	require.Equal(t, model.DumpSchemaVersion, marker.SchemaSequence)

	require.True(t, sc.Scan())
	var rec model.DumpRecord
	require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
	require.Equal(t, t0.Unix(), rec.ListenedAt)
	require.Equal(t, int64(1), rec.UserID)

	require.True(t, sc.Scan())
	require.False(t, sc.Scan())
}

func TestExport_PagesWithKeysetCursor(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0).UTC()
	full := make([]model.Listen, chunkSize)
	for i := range full {
		full[i] = model.Listen{
			ListenedAt:    t0.Add(time.Duration(i) * time.Second),
			UserID:        1,
			RecordingMSID: uuid.Must(uuid.NewV4()),
			TrackMetadata: json.RawMessage(`{}`),
		}
	}
	last := full[len(full)-1]
	tail := model.Listen{
		ListenedAt:    last.ListenedAt.Add(time.Second),
		UserID:        1,
		RecordingMSID: uuid.Must(uuid.NewV4()),
		TrackMetadata: json.RawMessage(`{}`),
	}
	pager := &fakePager{pages: [][]model.Listen{full, {tail}}}
	ex := NewExporter(pager, nil)

	n, err := ex.Export(context.Background(), io.Discard)
	require.NoError(t, err)
	require.Equal(t, chunkSize+1, n)

	require.Equal(t, []repository.DumpCursor{
		{},
		{ListenedAt: last.ListenedAt, UserID: last.UserID, RecordingMSID: last.RecordingMSID},
	}, pager.cursors)
}

func TestExport_RoundTrip(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0).UTC()
	source := []model.Listen{
		{ListenedAt: t0, UserID: 3, RecordingMSID: uuid.Must(uuid.NewV4()), TrackMetadata: json.RawMessage(`{"track_name":"x"}`)},
		{ListenedAt: t0.Add(time.Hour), UserID: 4, RecordingMSID: uuid.Must(uuid.NewV4()), TrackMetadata: json.RawMessage(`{"track_name":"y"}`)},
	}
	ex := NewExporter(&fakePager{pages: [][]model.Listen{source}}, nil)

	var buf bytes.Buffer
	_, err := ex.Export(context.Background(), &buf)
	require.NoError(t, err)

	ins := &fakeInserter{}
	n, err := NewImporter(ins, nil).Import(context.Background(), &buf, model.DumpSchemaVersion)
	require.NoError(t, err)
	require.Equal(t, len(source), n)
	require.Len(t, ins.batches, 1)
	for i, got := range ins.batches[0] {
		require.Equal(t, source[i].ListenedAt, got.ListenedAt, fmt.Sprintf("record %d", i))
		require.Equal(t, source[i].UserID, got.UserID)
		require.Equal(t, source[i].RecordingMSID, got.RecordingMSID)
	}
}
