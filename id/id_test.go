package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		parse  func(string) (id.ID, error)
		prefix id.Prefix
	}{
		{"entry", id.NewEntryID, id.ParseEntryID, id.PrefixEntry},
		{"event", id.NewEventID, id.ParseEventID, id.PrefixEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			assert.True(t, strings.HasPrefix(original.String(), string(tt.prefix)+"_"))
			assert.Equal(t, tt.prefix, original.Prefix())

			parsed, err := tt.parse(original.String())
			require.NoError(t, err)
			assert.Equal(t, original.String(), parsed.String())
		})
	}
}

func TestPrefixMismatch(t *testing.T) {
	_, err := id.ParseEntryID(id.NewEventID().String())
	assert.Error(t, err)

	_, err = id.ParseEventID(id.NewEntryID().String())
	assert.Error(t, err)

	// Parse accepts either prefix.
	_, err = id.Parse(id.NewEventID().String())
	assert.NoError(t, err)
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "op_", "not an id", "op_!!!"} {
		_, err := id.ParseEntryID(in)
		assert.Error(t, err, in)
	}
}

func TestNil(t *testing.T) {
	var i id.ID
	assert.True(t, i.IsNil())
	assert.Equal(t, "", i.String())
	assert.Equal(t, id.Prefix(""), i.Prefix())
}

func TestJSON(t *testing.T) {
	type doc struct {
		ID     id.ID `json:"id"`
		Target id.ID `json:"target"`
	}
	in := doc{ID: id.NewEntryID()}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"target":""`)

	var out doc
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ID.String(), out.ID.String())
	assert.True(t, out.Target.IsNil())
}
