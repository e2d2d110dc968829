package observer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
)

// Transmitter delivers a finished report somewhere
type Transmitter interface {
	Transmit(ctx context.Context, r Report) error
}

var _ Transmitter = (*WriterTransmitter)(nil)

// WriterTransmitter writes every report as indented JSON followed by a
// newline.
type WriterTransmitter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterTransmitter(w io.Writer) *WriterTransmitter {
	return &WriterTransmitter{w: w}
}

func (t *WriterTransmitter) Transmit(_ context.Context, r Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	b = append(b, '\n')
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
