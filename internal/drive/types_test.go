package drive

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetDrive_Equal(t *testing.T) {
	dashed := TargetDrive{Alias: "9ff813af-f2d6-1e2f-9b9d-b189e72d1a11", Type: "66ea8355ae4155c39b5a719166b510e3"}
	compact := TargetDrive{Alias: "9FF813AFF2D61E2F9B9DB189E72D1A11", Type: "66EA8355AE4155C39B5A719166B510E3"}
	other := TargetDrive{Alias: "6483b7b1f71bd43eb6896c86148e0772", Type: "66ea8355ae4155c39b5a719166b510e3"}

	assert.True(t, dashed.Equal(compact), "dashed and compact GUID forms name the same drive")
	assert.True(t, compact.Equal(dashed))
	assert.False(t, dashed.Equal(other))

	assert.Equal(t, dashed.String(), compact.String(), "both forms share one cache key")
}

func TestNewGUID(t *testing.T) {
	first := NewGUID()
	second := NewGUID()

	require.NotEqual(t, first, second)
	assert.Len(t, strings.ReplaceAll(first, "-", ""), 32)

	// A minted identifier must survive the server echoing it back in
	// compact form.
	minted := TargetDrive{Alias: first, Type: second}
	echoed := TargetDrive{
		Alias: strings.ToUpper(strings.ReplaceAll(first, "-", "")),
		Type:  strings.ToUpper(strings.ReplaceAll(second, "-", "")),
	}
	assert.True(t, minted.Equal(echoed))
}
