package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// rawRow is one parsed catalog row before column mapping is applied: source
// column name (as it appeared in the header) to cell value.
type rawRow map[string]string

// RowSource streams rawRow values from a catalog one at a time.
type RowSource interface {
	Headers() []string
	// Next returns the next row, or io.EOF when the catalog is exhausted.
	Next() (rawRow, error)
}

// NewRowSource builds the appropriate parser for format.
func NewRowSource(format Format, data []byte) (RowSource, error) {
	switch format {
	case FormatCSVGeneric, FormatCSVGoodreads:
		return newCSVRowSource(data, ',', format == FormatCSVGoodreads)
	case FormatCSVHandyLibTab:
		return newCSVRowSource(data, '\t', false)
	case FormatJSONHardcover:
		return newJSONRowSource(data)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", format)
	}
}

// csvRowSource streams CSV/TSV rows record-by-record through encoding/csv's
// own Reader without ever materializing the full file as rows in memory.
type csvRowSource struct {
	r         *csv.Reader
	headers   []string
	goodreads bool
}

func newCSVRowSource(data []byte, delim rune, goodreads bool) (*csvRowSource, error) {
	r := csv.NewReader(bufio.NewReader(bytes.NewReader(data)))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	headers, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading catalog header row: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	return &csvRowSource{r: r, headers: headers, goodreads: goodreads}, nil
}

func (c *csvRowSource) Headers() []string { return c.headers }

func (c *csvRowSource) Next() (rawRow, error) {
	record, err := c.r.Read()
	if err != nil {
		return nil, err
	}
	row := make(rawRow, len(c.headers))
	for i, h := range c.headers {
		if i >= len(record) {
			continue
		}
		v := record[i]
		if c.goodreads {
			v = unwrapGoodreadsCell(v)
		}
		row[h] = v
	}
	return row, nil
}

// jsonRowSource handles the Hardcover-like JSON format: either a bare array
// of book objects, or an object with the array nested under a conventional
// key ("books", "data", "items"). Unlike the CSV sources, this decodes the
// whole payload in one sonic.Unmarshal pass rather than token-by-token:
// Hardcover-style exports are a single JSON document (no record boundary to
// stream on short of a full parse), and in practice bounded in size, whereas
// the catalog formats expected to be large (CSV/TSV) do stream record by
// record above.
type jsonRowSource struct {
	rows []rawRow
	pos  int
}

func newJSONRowSource(data []byte) (*jsonRowSource, error) {
	var doc any
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog JSON: %w", err)
	}

	items, ok := doc.([]any)
	if !ok {
		obj, isObj := doc.(map[string]any)
		if !isObj {
			return nil, fmt.Errorf("catalog JSON must be an array or object, got %T", doc)
		}
		for _, key := range []string{"books", "data", "items"} {
			if v, ok := obj[key].([]any); ok {
				items = v
				break
			}
		}
		if items == nil {
			return nil, fmt.Errorf("catalog JSON object has no books/data/items array")
		}
	}

	rows := make([]rawRow, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := make(rawRow, len(obj))
		for k, v := range obj {
			row[k] = stringify(v)
		}
		rows = append(rows, row)
	}

	return &jsonRowSource{rows: rows}, nil
}

func (j *jsonRowSource) Headers() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, row := range j.rows {
		for k := range row {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}

func (j *jsonRowSource) Next() (rawRow, error) {
	if j.pos >= len(j.rows) {
		return nil, io.EOF
	}
	row := j.rows[j.pos]
	j.pos++
	return row, nil
}

// stringify flattens a decoded JSON scalar or list into the single string
// shape every column-mapping field extractor expects.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := stringify(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}
