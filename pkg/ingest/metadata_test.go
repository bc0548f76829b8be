package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statflow/statflow/pkg/errs"
)

const validMeta = `col_name,col_type,label,grouping,unit,decimal_places,filter_default
school_type,Filter,School type,Institution,,,Total
num_pupils,Indicator,Number of pupils,,count,0,
sess_overall,Indicator,Overall absence rate,,%,2,
`

func TestReadMetadataCSV(t *testing.T) {
	schema, err := ReadMetadataCSV(strings.NewReader(validMeta))
	require.NoError(t, err)

	require.Len(t, schema.Filters, 1)
	assert.Equal(t, "school_type", schema.Filters[0].ColName)
	assert.Equal(t, "Total", schema.Filters[0].FilterDefault)

	// Declaration order fixes the surrogate-id order.
	require.Len(t, schema.Indicators, 2)
	assert.Equal(t, "num_pupils", schema.Indicators[0].ColName)
	assert.Equal(t, "sess_overall", schema.Indicators[1].ColName)
	assert.Equal(t, 2, schema.Indicators[1].DecimalPlaces)
}

func TestReadMetadataCSVValidation(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{
			name: "unknown col_type",
			csv: "col_name,col_type,label\n" +
				"x,Dimension,X\n",
			want: "unknown col_type",
		},
		{
			name: "duplicate declaration",
			csv: "col_name,col_type,label\n" +
				"x,Filter,X\n" +
				"x,Indicator,X again\n",
			want: "duplicate",
		},
		{
			name: "no indicators",
			csv: "col_name,col_type,label\n" +
				"x,Filter,X\n",
			want: "no indicator columns",
		},
		{
			name: "missing required header",
			csv:  "col_name,label\nx,X\n",
			want: "missing required column",
		},
		{
			name: "bad decimal places",
			csv: "col_name,col_type,label,decimal_places\n" +
				"x,Indicator,X,two\n",
			want: "decimal_places",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMetadataCSV(strings.NewReader(tt.csv))
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateColumns(t *testing.T) {
	schema, err := ReadMetadataCSV(strings.NewReader(validMeta))
	require.NoError(t, err)

	header := []string{
		ColGeographicLevel, ColTimePeriod, ColTimeIdentifier,
		"country_code", "country_name",
		"school_type", "num_pupils", "sess_overall",
	}
	assert.NoError(t, ValidateColumns(header, schema))
}

func TestValidateColumnsUndeclared(t *testing.T) {
	schema, err := ReadMetadataCSV(strings.NewReader(validMeta))
	require.NoError(t, err)

	// An unexplained column is a hard failure, not a silent drop.
	header := []string{
		ColGeographicLevel, ColTimePeriod, ColTimeIdentifier,
		"school_type", "num_pupils", "sess_overall",
		"mystery_column",
	}
	err = ValidateColumns(header, schema)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "mystery_column")
}

func TestValidateColumnsMissing(t *testing.T) {
	schema, err := ReadMetadataCSV(strings.NewReader(validMeta))
	require.NoError(t, err)

	// Missing fixed column.
	err = ValidateColumns([]string{ColTimePeriod, ColTimeIdentifier, "school_type", "num_pupils", "sess_overall"}, schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ColGeographicLevel)

	// Declared but absent from the data file.
	err = ValidateColumns([]string{ColGeographicLevel, ColTimePeriod, ColTimeIdentifier, "school_type", "num_pupils"}, schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sess_overall")
}
