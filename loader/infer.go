package loader

import (
	"context"
	"errors"
	"io"

	"github.com/dan-strohschein/dbhandler/mapper"
)

// columnSamples collects inference text per column.
type columnSamples [][]string

func newColumnSamples(n int) columnSamples { return make(columnSamples, n) }

func (s columnSamples) add(values []any) {
	for i, v := range values {
		if i < len(s) {
			s[i] = append(s[i], sampleText(v))
		}
	}
}

func (s columnSamples) infer(names []string) []mapper.ColumnDescriptor {
	cols := make([]mapper.ColumnDescriptor, len(names))
	for i, name := range names {
		cols[i] = mapper.InferColumn(name, s[i])
	}
	return cols
}

// InferColumns samples up to sampleSize rows from src and infers a column
// descriptor for each source column, without creating a job. Bad rows are
// skipped and counted. A non-positive sampleSize means DefaultSampleSize.
func InferColumns(ctx context.Context, src RowSource, sampleSize int) (cols []mapper.ColumnDescriptor, sampled, bad int, err error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	names := src.Columns()
	samples := newColumnSamples(len(names))
	for sampled < sampleSize {
		values, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			var badRow *BadRowError
			if !errors.As(err, &badRow) {
				return nil, sampled, bad, err
			}
			bad++
			continue
		}
		samples.add(values)
		sampled++
	}
	return samples.infer(names), sampled, bad, nil
}
