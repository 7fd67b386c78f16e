package har

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/dgnsrekt/harcollector/internal/types"
)

const (
	Version     = "1.2"
	httpVersion = "HTTP/2.0"

	DefaultCreatorName    = "HarCollector"
	DefaultCreatorVersion = "1.0.0"
)

// Assembler turns complete request records into HAR documents.
type Assembler struct {
	Creator Creator
}

// NewAssembler returns an Assembler for the given creator, falling back to
// the default name and version for empty fields.
func NewAssembler(name, version string) *Assembler {
	if name == "" {
		name = DefaultCreatorName
	}
	if version == "" {
		version = DefaultCreatorVersion
	}
	return &Assembler{Creator: Creator{Name: name, Version: version}}
}

// Document builds the in-memory archive. Sessions are flattened in the given
// order; records without a response are skipped.
func (a *Assembler) Document(sessions [][]types.RequestRecord) Document {
	entries := []Entry{}
	for _, records := range sessions {
		for _, rec := range records {
			if rec.Response == nil {
				continue
			}
			entries = append(entries, NewEntry(rec))
		}
	}
	return Document{Log: Log{
		Version: Version,
		Creator: a.Creator,
		Pages:   []Page{},
		Entries: entries,
	}}
}

// Build returns the serialized archive.
func (a *Assembler) Build(sessions [][]types.RequestRecord) ([]byte, error) {
	return Marshal(a.Document(sessions))
}

// Marshal encodes a document as two-space indented JSON without HTML escaping.
func Marshal(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("har: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NewEntry converts one record. The caller guarantees rec.Response is set.
func NewEntry(rec types.RequestRecord) Entry {
	resp := rec.Response

	req := Request{
		Method:      rec.Method,
		URL:         rec.URL,
		HTTPVersion: httpVersion,
		Cookies:     []Cookie{},
		Headers:     nameValues(rec.Headers),
		QueryString: []NameValue{},
		HeadersSize: -1,
	}
	if rec.PostData != nil && *rec.PostData != "" {
		req.PostData = &PostData{
			MimeType: rec.Headers.Lookup("Content-Type", "content-type"),
			Text:     *rec.PostData,
		}
		req.BodySize = jsLength(*rec.PostData)
	}

	content := Content{
		Size:     resp.EncodedDataLength,
		MimeType: resp.MimeType,
		Text:     resp.Body,
	}
	if resp.Base64Encoded {
		content.Encoding = "base64"
	}

	return Entry{
		StartedDateTime: FormatWallTime(rec.WallTime),
		Time:            rec.ElapsedMillis(),
		Request:         req,
		Response: Response{
			Status:      resp.Status,
			StatusText:  resp.StatusText,
			HTTPVersion: httpVersion,
			Cookies:     []Cookie{},
			Headers:     nameValues(resp.Headers),
			Content:     content,
			RedirectURL: resp.Headers.Lookup("Location", "location"),
			HeadersSize: -1,
			BodySize:    resp.EncodedDataLength,
		},
		Cache: Cache{},
		Timings: Timings{
			Send: -1, Wait: -1, Receive: -1, SSL: -1, Connect: -1, DNS: -1, Blocked: -1,
		},
	}
}

// FormatWallTime renders epoch seconds as an ISO-8601 UTC instant with
// millisecond precision, truncating sub-millisecond digits.
func FormatWallTime(seconds float64) string {
	ms := int64(seconds * 1000)
	return FormatTime(time.UnixMilli(ms))
}

// FormatTime renders t as 2006-01-02T15:04:05.000Z.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func nameValues(h types.Headers) []NameValue {
	out := make([]NameValue, 0, len(h))
	for _, hdr := range h {
		out = append(out, NameValue{Name: hdr.Name, Value: hdr.Value})
	}
	return out
}

// jsLength counts UTF-16 code units, the unit browsers report string length in.
func jsLength(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
