package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkNormalized(t *testing.T) {
	tests := []struct {
		in   Network
		want Network
	}{
		{Network{Type: "wifi", Strength: 80}, Network{Type: "wifi", Strength: 80}},
		{Network{Type: "4G", Strength: 55}, Network{Type: "4g", Strength: 55}},
		{Network{Type: "offline"}, Network{Type: "offline"}},
		{Network{Type: " 2g "}, Network{Type: "2g"}},
		{Network{Type: "lte-advanced", Strength: 140}, Network{Type: NetworkUnknown, Strength: 100}},
		{Network{Type: "", Strength: -5}, Network{Type: NetworkUnknown, Strength: 0}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Normalized(), "input %+v", tt.in)
	}
}
