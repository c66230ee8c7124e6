package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvester/internal/domain/grid"
)

func task(t *testing.T, dim1, dim2 string) grid.Task {
	t.Helper()
	g, err := grid.New(
		grid.Dimension{Name: "area", Values: []string{dim1}},
		grid.Dimension{Name: "keyword", Values: []string{dim2}},
	)
	require.NoError(t, err)
	tk, err := g.Task(grid.Coordinate{})
	require.NoError(t, err)
	return tk
}

func TestQuery_Render(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		asJSON  bool
		want    string
		wantErr bool
	}{
		{
			name: "plain text",
			text: "{{.Dim1}} {{.Dim2}}",
			want: "广东省 新能源",
		},
		{
			name:   "json filter keeps non-ascii and compacts",
			text:   `{"must": [ {"companyName": [{"in": [{{json .Dim2}}]}]}, {"businessLocation": [{"in": [{{json .Dim1}}]}]} ]}`,
			asJSON: true,
			want:   `{"must":[{"companyName":[{"in":["新能源"]}]},{"businessLocation":[{"in":["广东省"]}]}]}`,
		},
		{
			name:    "invalid json",
			text:    `{"q": {{.Dim1}}}`,
			asJSON:  true,
			wantErr: true,
		},
		{
			name:    "unknown field",
			text:    "{{.Region}}",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q, err := ParseQuery("filter", tt.text)
			require.NoError(t, err)

			render := q.Render
			if tt.asJSON {
				render = q.RenderJSON
			}
			got, err := render(task(t, "广东省", "新能源"))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQuery_SyntaxError(t *testing.T) {
	t.Parallel()

	_, err := ParseQuery("filter", "{{.Dim1")
	require.Error(t, err)
}
