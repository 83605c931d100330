package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUint64orHex(t *testing.T) {
	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{input: "0", want: 0},
		{input: "1234", want: 1234},
		{input: "0x0", want: 0},
		{input: "0x7dfd25", want: 0x7dfd25},
		{input: "0xDEAD", want: 0xdead},
		{input: "nope", wantErr: true},
		{input: "0xzz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseUint64orHex(&tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	got, err := ParseUint64orHex(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got)
}

func TestToLowerWithTrim(t *testing.T) {
	require.Equal(t, "finalized", ToLowerWithTrim("  FinaliZed "))
}
