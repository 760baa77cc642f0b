package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// Record is the archived form of a deposit.
type Record struct {
	Data       RecordData `json:"data"`
	Provenance Provenance `json:"provenance"`
}

// RecordData holds the submitted content with rows keyed by column name.
type RecordData struct {
	Title     string              `json:"title"`
	Metadata  []map[string]string `json:"metadata"`
	Citations []map[string]string `json:"citations"`
}

// Provenance describes where the content came from.
type Provenance struct {
	GeneratedAtTime  time.Time `json:"generatedAtTime"`
	WasAttributedTo  string    `json:"wasAttributedTo"`
	HadPrimarySource string    `json:"hadPrimarySource,omitempty"`
}

// BuildRecord converts a deposit into its archival record.
func BuildRecord(d *model.Deposit) Record {
	return Record{
		Data: RecordData{
			Title:     d.Title,
			Metadata:  rowsAsMaps(d.Metadata),
			Citations: rowsAsMaps(d.Citations),
		},
		Provenance: Provenance{
			GeneratedAtTime:  d.SubmittedAt.UTC(),
			WasAttributedTo:  d.Submitter,
			HadPrimarySource: d.SourceURL,
		},
	}
}

func rowsAsMaps(t model.Table) []map[string]string {
	out := []map[string]string{}
	if len(t) == 0 {
		return out
	}
	header := t[0]
	for _, row := range t[1:] {
		m := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				m[col] = row[i]
			} else {
				m[col] = ""
			}
		}
		out = append(out, m)
	}
	return out
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes r as zstd-compressed JSON and returns the bytes with
// their blake3 digest ("blake3:<hex>").
func Encode(r Record) ([]byte, string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, "", fmt.Errorf("marshal record: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)
	return compressed, Digest(compressed), nil
}

// Decode reverses Encode.
func Decode(data []byte) (Record, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Record{}, fmt.Errorf("zstd decompress: %w", err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// Digest returns the blake3 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// ObjectKey places a deposit under its archival date.
func ObjectKey(d *model.Deposit, at time.Time) string {
	at = at.UTC()
	return path.Join("deposits", at.Format("2006"), at.Format("01"), at.Format("02"), d.ID+".json.zst")
}

// ErrDigestMismatch is returned when a stored record no longer matches the
// digest recorded at archival time.
var ErrDigestMismatch = errors.New("archived record digest mismatch")

// Fetcher reads stored records back by location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Verify reads back the record of an archived deposit, checks it against the
// recorded digest and decodes it.
func Verify(ctx context.Context, f Fetcher, d *model.Deposit) (Record, error) {
	if d.State != model.StateArchived || d.ArchiveLocation == "" {
		return Record{}, fmt.Errorf("deposit %s is %s, not archived", d.ID, d.State)
	}
	data, err := f.Fetch(ctx, d.ArchiveLocation)
	if err != nil {
		return Record{}, err
	}
	if got := Digest(data); got != d.ArchiveDigest {
		return Record{}, fmt.Errorf("%w: %s has %s, recorded %s", ErrDigestMismatch, d.ArchiveLocation, got, d.ArchiveDigest)
	}
	return Decode(data)
}
