package query

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// EncodeArrow serializes a result page as an Arrow IPC stream with one
// record batch. Columns are UTF-8; numeric interpretation is left to the
// consumer, which has the indicator decimal-place hints from the metadata
// endpoint.
func EncodeArrow(result *Result) ([]byte, error) {
	fields := make([]arrow.Field, len(result.Columns))
	for i, col := range result.Columns {
		fields[i] = arrow.Field{Name: col, Type: arrow.BinaryTypes.String}
	}
	schema := arrow.NewSchema(fields, nil)

	pool := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()

	for _, row := range result.Rows {
		if len(row) != len(result.Columns) {
			return nil, fmt.Errorf("row has %d cells, want %d", len(row), len(result.Columns))
		}
		for i, cell := range row {
			builder.Field(i).(*array.StringBuilder).Append(cell)
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("writing arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing arrow stream: %w", err)
	}
	return buf.Bytes(), nil
}
