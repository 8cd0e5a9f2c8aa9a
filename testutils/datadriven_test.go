package testutils

import (
	"testing"

	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/stretchr/testify/require"
)

func TestParseColumn(t *testing.T) {
	strPtr := func(s string) *string { return &s }
	for _, tc := range []struct {
		desc        string
		line        string
		expected    metabase.Column
		expectedErr string
	}{
		{
			desc:     "nullable",
			line:     "note text",
			expected: metabase.Column{Name: "note", DataType: "text", Nullable: true},
		},
		{
			desc: "default with underscores",
			line: "id int8 not-null default=unique_rowid() constraint=PRIMARY_KEY",
			expected: metabase.Column{
				Name:        "id",
				DataType:    "int8",
				Default:     strPtr("unique_rowid()"),
				Constraints: []string{"PRIMARY KEY"},
			},
		},
		{
			desc:        "missing type",
			line:        "id",
			expectedErr: `column "id" needs a name and type`,
		},
		{
			desc:        "unknown attribute",
			line:        "id int8 unique",
			expectedErr: `unknown column attribute "unique"`,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			col, err := ParseColumn(tc.line)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, col)
		})
	}
}
