package record

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DedupKey derives the natural key of a record: the enrichment identifier
// when there is one, otherwise the normalized primary text. The empty string
// means the record has no usable key.
func DedupKey(enrichmentID string, primary Value) string {
	if id := Normalize(enrichmentID); id != "" && id != MissingSentinel {
		return "id:" + id
	}
	if primary.IsMissing() {
		return ""
	}
	if text := Normalize(primary.Text()); text != "" {
		return "text:" + text
	}
	return ""
}

// Provenance describes where and when a document was acquired. It is never
// part of a Record itself.
type Provenance struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Dim1Index int       `json:"dim1_index"`
	Dim2Index int       `json:"dim2_index"`
	Dim1      string    `json:"dim1"`
	Dim2      string    `json:"dim2"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Document is the unit handed to a document store: a record plus its
// provenance and natural key.
type Document struct {
	Key        string
	Collection string
	Record     Record
	Provenance Provenance
}

// StoreKey is the key a store uses for uniqueness. Keys are scoped by
// collection and hashed so they fit fixed-width indexes.
func (d Document) StoreKey() string {
	sum := sha256.Sum256([]byte(d.Collection + "\x00" + d.Key))
	return hex.EncodeToString(sum[:])
}

// Body flattens the document to the JSON shape stores persist: the record's
// fields plus a provenance object and the natural key.
func (d Document) Body() map[string]any {
	body := make(map[string]any, d.Record.Len()+2)
	for name, text := range d.Record.Map() {
		body[name] = text
	}
	body["_key"] = d.Key
	body["_provenance"] = d.Provenance
	return body
}
