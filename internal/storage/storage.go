package storage

import (
	"context"
	"errors"
	"fmt"

	"shopcrawler/pkg/types"
)

// ErrMissingURL marks a record dropped for lacking a url, mirroring the
// drop rule of the output pipeline: such records are counted, not written.
var ErrMissingURL = errors.New("record has no url")

// ItemSink receives extracted records one at a time.
type ItemSink interface {
	Write(ctx context.Context, record types.Product) error
	Close() error
}

// Pipeline fans records out to every configured sink.
type Pipeline struct {
	sinks []ItemSink
}

// NewPipeline constructs a pipeline over the given sinks. Nil sinks are
// skipped so callers can pass optional sinks unconditionally.
func NewPipeline(sinks ...ItemSink) *Pipeline {
	kept := make([]ItemSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Pipeline{sinks: kept}
}

// Write validates the record and forwards it to every sink.
func (p *Pipeline) Write(ctx context.Context, record types.Product) error {
	if record.URL == "" {
		return ErrMissingURL
	}
	for _, s := range p.sinks {
		if err := s.Write(ctx, record); err != nil {
			return fmt.Errorf("sink write: %w", err)
		}
	}
	return nil
}

// Abort discards sinks without finalising their output. Sinks with no abort
// path are closed normally.
func (p *Pipeline) Abort() error {
	var err error
	for _, s := range p.sinks {
		type aborter interface{ Abort() error }
		if a, ok := s.(aborter); ok {
			if aerr := a.Abort(); aerr != nil {
				err = errors.Join(err, aerr)
			}
			continue
		}
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Close closes all sinks, returning the first error while attempting all.
func (p *Pipeline) Close() error {
	var err error
	for _, s := range p.sinks {
		if cerr := s.Close(); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				err = errors.Join(err, cerr)
			}
		}
	}
	return err
}
