// Package envelope defines the task record that flows between pipeline
// stages and the wire encoding used to put it on a Redis queue.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// SchemaVersion is bumped whenever the Envelope wire shape changes incompatibly.
const SchemaVersion = 1

// IndexOperation tells the index stage whether this is a document's first
// write, a revision of an existing one, or a removal.
type IndexOperation string

const (
	IndexOperationNew    IndexOperation = "new"
	IndexOperationEdit   IndexOperation = "edit"
	IndexOperationDelete IndexOperation = "delete"
)

// Envelope is the append-only record carried through url -> crawl -> clean -> index.
type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	TaskID        string `json:"task_id"`
	URL           string `json:"url"`
	SiteID        string `json:"site_id"`
	Stage         string `json:"stage"`

	ContentEncoding string `json:"content_encoding,omitempty"` // "gzip+base64" or empty
	RawContent      string `json:"raw_content,omitempty"`
	CleanedContent  string `json:"cleaned_content,omitempty"`
	ContentType     string `json:"content_type,omitempty"`

	ContentHash    string         `json:"content_hash,omitempty"`
	Version        int            `json:"version"`
	IndexOperation IndexOperation `json:"index_operation,omitempty"`

	Retries      int               `json:"retries"`
	CreationTime time.Time         `json:"creation_time"`
	UpdatedTime  time.Time         `json:"updated_time"`
	TraceID      string            `json:"trace_id,omitempty"`
	SpanID       string            `json:"span_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// New builds a fresh envelope for a URL entering the pipeline at the url stage.
func New(url, siteID string) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		SchemaVersion: SchemaVersion,
		TaskID:        uuid.NewString(),
		URL:           url,
		SiteID:        siteID,
		Stage:         "url",
		Version:       1,
		CreationTime:  now,
		UpdatedTime:   now,
		Metadata:      map[string]string{},
	}
}

// WithRawContent gzip+base64 encodes body and attaches it as the raw content
// for the crawl -> clean handoff, matching the content_encoding field.
func (e *Envelope) WithRawContent(body []byte, contentType string) error {
	encoded, err := encode(body)
	if err != nil {
		return fmt.Errorf("encode raw content: %w", err)
	}
	e.RawContent = encoded
	e.ContentEncoding = "gzip+base64"
	e.ContentType = contentType
	return nil
}

// RawBytes decodes RawContent back into its original bytes.
func (e *Envelope) RawBytes() ([]byte, error) {
	if e.RawContent == "" {
		return nil, nil
	}
	if e.ContentEncoding != "gzip+base64" {
		return []byte(e.RawContent), nil
	}
	return decode(e.RawContent)
}

func encode(body []byte) (string, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return "", err
	}
	if err := gw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decode(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// Advance moves the envelope to the next stage, bumping its version and
// refreshing its updated timestamp. The caller is responsible for clearing
// any stage-specific payload fields that no longer apply downstream.
func (e *Envelope) Advance(stage string) {
	e.Stage = stage
	e.Version++
	e.UpdatedTime = time.Now().UTC()
}

// Marshal serializes the envelope to JSON for storage in a Redis list/hash.
func (e *Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal parses a JSON-encoded envelope from a queue payload.
func Unmarshal(s string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
