package horus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSchemes(t *testing.T) {
	valid := EntityScheme{
		Name:    "farms",
		Type:    SchemeWritable,
		Version: 2,
		Attributes: []AttributeScheme{
			{Name: "id", Type: AttrUUID, Version: 1},
			{Name: "name", Type: AttrString, Version: 2, Pattern: "^[a-z]+$"},
		},
		Related: []EntityScheme{{
			Name:    "animals",
			Type:    SchemeWritable,
			Version: 1,
			Attributes: []AttributeScheme{
				{Name: "farm_id", Type: AttrReference, Version: 1, Link: &Link{Entity: "farms", Cascade: true}},
			},
		}},
	}
	require.NoError(t, ValidateSchemes([]EntityScheme{valid}))
	require.Equal(t, 2, SchemaVersion([]EntityScheme{valid}))
	require.Len(t, FlattenSchemes([]EntityScheme{valid}), 2)

	cases := map[string]EntityScheme{
		"duplicate attribute": {Name: "a", Type: SchemeWritable, Version: 1, Attributes: []AttributeScheme{
			{Name: "x", Type: AttrString, Version: 1}, {Name: "x", Type: AttrInt, Version: 1},
		}},
		"attribute newer than scheme": {Name: "a", Type: SchemeWritable, Version: 1, Attributes: []AttributeScheme{
			{Name: "x", Type: AttrString, Version: 2},
		}},
		"unknown type": {Name: "a", Type: SchemeWritable, Version: 1, Attributes: []AttributeScheme{
			{Name: "x", Type: "blob", Version: 1},
		}},
		"bad pattern": {Name: "a", Type: SchemeWritable, Version: 1, Attributes: []AttributeScheme{
			{Name: "x", Type: AttrString, Version: 1, Pattern: "("},
		}},
		"unknown scheme type": {Name: "a", Type: "mutable", Version: 1},
		"cycle": {Name: "a", Type: SchemeWritable, Version: 1, Related: []EntityScheme{
			{Name: "b", Type: SchemeWritable, Version: 1, Related: []EntityScheme{{Name: "a", Type: SchemeWritable, Version: 1}}},
		}},
	}
	for name, sc := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateSchemes([]EntityScheme{sc})
			require.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestDecodeSchemes(t *testing.T) {
	resp, err := DecodeSchemes([]byte(`{"schemes":[{"entity":"notes","type":"writable","current_version":3,"attributes":[{"name":"title","type":"string","version":3}]}]}`))
	require.NoError(t, err)
	require.Equal(t, 3, resp.Version)
	require.True(t, resp.Schemes[0].Writable())

	_, err = DecodeSchemes([]byte(`{"schemes":`))
	require.ErrorIs(t, err, ErrInvalidSchema)
}
