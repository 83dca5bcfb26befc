package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/dbhandler/mapper"
)

func TestInferColumns(t *testing.T) {
	src := csvSource(t, "id,name,amount,joined\n"+
		"1,ada,1.5,2024-01-02\n"+
		"2,grace,,2024-01-03\n"+
		"3,short\n")
	cols, sampled, bad, err := InferColumns(context.Background(), src, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, sampled)
	assert.Equal(t, 1, bad)
	assert.Equal(t, []mapper.ColumnDescriptor{
		{Name: "id", Type: mapper.IntegerType(), Observed: 2},
		{Name: "name", Type: mapper.TextType(5), Observed: 2},
		{Name: "amount", Type: mapper.DecimalType(2, 1), Nullable: true, Observed: 1},
		{Name: "joined", Type: mapper.DateType("2006-01-02"), Observed: 2},
	}, cols)
}

func TestInferColumns_SampleSize(t *testing.T) {
	src := csvSource(t, peopleCSV(50, nil))
	_, sampled, _, err := InferColumns(context.Background(), src, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, sampled)

	values, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "11", values[0], "sampling stops after the requested rows")
}

func TestInferColumns_SourceError(t *testing.T) {
	src := csvSource(t, "a\n1\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, _, err := InferColumns(ctx, src, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
