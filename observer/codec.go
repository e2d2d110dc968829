package observer

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EncodeReport is the wire encoding shared by every transmitter
func EncodeReport(r Report) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return b, nil
}

func DecodeReport(b []byte) (r Report, err error) {
	if err = json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("failed to decode report: %w", err)
	}
	if r.FormatVersion != ReportFormatVersion {
		return r, fmt.Errorf("unsupported report format version %d", r.FormatVersion)
	}
	return r, nil
}
