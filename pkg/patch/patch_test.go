package patch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GregorR/nibackup/pkg/patch"
)

func TestExtension(t *testing.T) {
	assert.Equal(t, "bsp", patch.CodecA.Extension())
	assert.Equal(t, "x3p", patch.CodecB.Extension())
}

func TestChooseCodec(t *testing.T) {
	assert.Equal(t, patch.CodecA, patch.ChooseCodec(100, 100, 1000))
	assert.Equal(t, patch.CodecB, patch.ChooseCodec(1000, 100, 1000))
	assert.Equal(t, patch.CodecB, patch.ChooseCodec(100, 1000, 1000))
	assert.Equal(t, patch.CodecB, patch.ChooseCodec(1000, 1000, 1000))
}
