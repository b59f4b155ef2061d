// Package model defines domain entities used by services and repositories.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/soundvault/listenstore/internal/errs"
)

// DumpSchemaVersion is the schema sequence number written to and expected
// from listen dump streams.
const DumpSchemaVersion = 1

// MinimumListenTS is the earliest listened_at the store considers meaningful
// (2005-01-01, the start of usable listen data).
var MinimumListenTS = time.Unix(1104537600, 0).UTC()

// escapedNUL is the JSON escape for U+0000, which postgres rejects inside jsonb.
const escapedNUL = "\\u0000"

// Listen is a single immutable record of a user having played a track.
// Identity is (ListenedAt, UserID, RecordingMSID); everything else is payload
// or read-time enrichment.
type Listen struct {
	ListenedAt    time.Time       // event time, second precision
	Created       time.Time       // assigned by the store at insert
	UserID        int64           // owning user
	UserName      string          // display name, filled by callers that have it
	RecordingMSID uuid.UUID       // opaque recording dedup key
	TZOffset      *int            // signed minutes, rendering only
	TrackMetadata json.RawMessage // opaque payload, carried verbatim

	// Enrichment fields, joined in at read time. Never stored on the row and
	// never part of identity.
	RecordingMBID     string
	ReleaseMBID       string
	ArtistMBIDs       []string
	CAAID             *int64
	CAAReleaseMBID    string
	ArtistNames       []string
	ArtistJoinPhrases []string
}

// InsertedListen identifies a row that was newly committed by a batch insert.
type InsertedListen struct {
	ListenedAt    time.Time
	UserID        int64
	RecordingMSID uuid.UUID
}

// User carries the identity fields read paths need alongside listens.
type User struct {
	ID   int64
	Name string
}

// NewListen builds a Listen from an external submission payload. The payload
// is opaque except for characters the store is known to reject.
func NewListen(listenedAt time.Time, userID int64, msid uuid.UUID, tzOffset *int, trackMetadata json.RawMessage) (Listen, error) {
	if err := checkPayload(trackMetadata); err != nil {
		return Listen{}, err
	}
	return Listen{
		ListenedAt:    listenedAt.Truncate(time.Second).UTC(),
		UserID:        userID,
		RecordingMSID: msid,
		TZOffset:      tzOffset,
		TrackMetadata: trackMetadata,
	}, nil
}

// checkPayload rejects payloads postgres cannot persist in a jsonb column.
// Raw NUL bytes and the escaped-NUL sequence both fail server-side with an
// untranslatable character error, so catch them before the round trip.
func checkPayload(payload []byte) error {
	if bytes.IndexByte(payload, 0x00) >= 0 || bytes.Contains(payload, []byte(escapedNUL)) {
		return fmt.Errorf("track_metadata contains null character: %w", errs.ErrValidation)
	}
	return nil
}

// DumpRecord is the serialized form of a Listen in dump streams.
type DumpRecord struct {
	ListenedAt    int64           `json:"listened_at"`
	UserID        int64           `json:"user_id"`
	UserName      string          `json:"user_name,omitempty"`
	RecordingMSID uuid.UUID       `json:"recording_msid"`
	TZOffset      *int            `json:"tz_offset,omitempty"`
	TrackMetadata json.RawMessage `json:"track_metadata"`
}

// VersionMarker is the first record of a dump stream.
type VersionMarker struct {
	SchemaSequence int `json:"schema_sequence"`
}

// ToDumpRecord serializes a stored listen for export.
func (l Listen) ToDumpRecord() DumpRecord {
	return DumpRecord{
		ListenedAt:    l.ListenedAt.Unix(),
		UserID:        l.UserID,
		UserName:      l.UserName,
		RecordingMSID: l.RecordingMSID,
		TZOffset:      l.TZOffset,
		TrackMetadata: l.TrackMetadata,
	}
}

// FromDumpRecord parses one dump line into a Listen, applying the same
// payload checks as direct submission.
func FromDumpRecord(line []byte) (Listen, error) {
	var rec DumpRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Listen{}, fmt.Errorf("malformed dump record: %v: %w", err, errs.ErrValidation)
	}
	l, err := NewListen(time.Unix(rec.ListenedAt, 0).UTC(), rec.UserID, rec.RecordingMSID, rec.TZOffset, rec.TrackMetadata)
	if err != nil {
		return Listen{}, err
	}
	l.UserName = rec.UserName
	return l, nil
}

// UserListenMetadata mirrors one row of listen_user_metadata. Owned by the
// external reconciliation job; read-only here.
type UserListenMetadata struct {
	UserID        int64
	Count         int64
	MinListenedAt *time.Time
	MaxListenedAt *time.Time
	Created       time.Time // cutoff up to which Count is accurate
}
