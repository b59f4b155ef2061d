// Package dump implements schema-versioned streaming export and import of
// the full listen set. Streams are a single version marker record followed by
// newline-delimited listen records; archive transport and compression are the
// caller's concern.
package dump

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/soundvault/listenstore/internal/errs"
	"github.com/soundvault/listenstore/internal/model"
	"github.com/soundvault/listenstore/internal/repository"
)

// chunkSize bounds how many parsed records are held in memory before a flush
// to the ingestion engine, and how many rows one export page reads.
const chunkSize = 100000

// maxRecordSize caps a single dump line; track metadata payloads are small
// but free-form.
const maxRecordSize = 16 * 1024 * 1024

// Inserter is the slice of the repository the importer needs.
type Inserter interface {
	Insert(ctx context.Context, listens []model.Listen) ([]model.InsertedListen, error)
}

// Pager is the slice of the repository the exporter needs.
type Pager interface {
	ListenPage(ctx context.Context, cursor repository.DumpCursor, size int) ([]model.Listen, error)
}

// Importer reads a dump stream into the store in bounded batches.
type Importer struct {
	ins Inserter
	log *zap.Logger
}

// NewImporter constructs an Importer.
func NewImporter(ins Inserter, log *zap.Logger) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Importer{ins: ins, log: log}
}

// Import parses the stream and flushes listens to the ingestion engine every
// chunkSize records, with a final partial flush. The first record must be a
// version marker matching expectedVersion; otherwise errs.ErrSchemaMismatch
// is returned before anything is written. The returned count is the number of
// records parsed and flushed, duplicates included.
func (im *Importer) Import(ctx context.Context, r io.Reader, expectedVersion int) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	if err := readVersionMarker(sc, expectedVersion); err != nil {
		return 0, err
	}

	imported := 0
	batch := make([]model.Listen, 0, chunkSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := im.ins.Insert(ctx, batch); err != nil {
			return fmt.Errorf("import flush: %w", err)
		}
		imported += len(batch)
		batch = batch[:0]
		return nil
	}

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		l, err := model.FromDumpRecord(line)
		if err != nil {
			return imported, err
		}
		batch = append(batch, l)
		if len(batch) >= chunkSize {
			if err := flush(); err != nil {
				return imported, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return imported, err
	}
	if err := flush(); err != nil {
		return imported, err
	}

	im.log.Info("listen dump import done", zap.Int("imported", imported))
	return imported, nil
}

// readVersionMarker consumes the first non-empty line and checks it against
// the expected schema sequence.
func readVersionMarker(sc *bufio.Scanner, expected int) error {
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var marker model.VersionMarker
		if err := json.Unmarshal(line, &marker); err != nil || marker.SchemaSequence == 0 {
			return fmt.Errorf("version marker missing from dump stream: %w", errs.ErrSchemaMismatch)
		}
		if marker.SchemaSequence != expected {
			return fmt.Errorf("expected schema version %d, got %d: %w", expected, marker.SchemaSequence, errs.ErrSchemaMismatch)
		}
		return nil
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return fmt.Errorf("version marker missing from dump stream: %w", errs.ErrSchemaMismatch)
}

// Exporter streams the full listen set out of the store in pages.
type Exporter struct {
	pager Pager
	log   *zap.Logger
}

// NewExporter constructs an Exporter.
func NewExporter(pager Pager, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{pager: pager, log: log}
}

// Export writes the version marker followed by every listen as one record per
// line, paging through the store so the full set is never held in memory.
// Returns the number of records written.
func (ex *Exporter) Export(ctx context.Context, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	if err := enc.Encode(model.VersionMarker{SchemaSequence: model.DumpSchemaVersion}); err != nil {
		return 0, err
	}

	exported := 0
	var cursor repository.DumpCursor
	for {
		page, err := ex.pager.ListenPage(ctx, cursor, chunkSize)
		if err != nil {
			return exported, fmt.Errorf("export page: %w", err)
		}
		for _, l := range page {
			if err := enc.Encode(l.ToDumpRecord()); err != nil {
				return exported, err
			}
			exported++
		}
		if len(page) < chunkSize {
			break
		}
		last := page[len(page)-1]
		cursor = repository.DumpCursor{
			ListenedAt:    last.ListenedAt,
			UserID:        last.UserID,
			RecordingMSID: last.RecordingMSID,
		}
	}

	if err := bw.Flush(); err != nil {
		return exported, err
	}
	ex.log.Info("listen dump export done", zap.Int("exported", exported))
	return exported, nil
}
