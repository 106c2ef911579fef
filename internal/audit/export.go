package audit

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatJSONGzip Format = "json.gz"
)

// Export writes entries matching the filter to the sink. The redaction
// salt is not part of the output; hashed names export as-is.
func (l *Log) Export(w io.Writer, f Filter, format Format) (int, error) {
	entries, err := l.Query(f)
	if err != nil {
		return 0, err
	}

	switch format {
	case FormatJSON, "":
		return len(entries), encodeJSON(w, entries)
	case FormatJSONGzip:
		gz := gzip.NewWriter(w)
		if err := encodeJSON(gz, entries); err != nil {
			gz.Close()
			return 0, err
		}
		return len(entries), gz.Close()
	default:
		return 0, fmt.Errorf("unknown export format %q", format)
	}
}

func encodeJSON(w io.Writer, entries []Entry) error {
	data, err := sonic.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
