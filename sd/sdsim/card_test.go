package sdsim

import (
	"testing"

	"github.com/aligator/sdfat/spi"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSim(t *testing.T, opts Options) *Card {
	image, err := afero.NewMemMapFs().Create("sim.img")
	require.NoError(t, err)
	require.NoError(t, image.Truncate(8*blockSize))

	card, err := New(image, opts)
	require.NoError(t, err)
	return card
}

func TestCard_WordSizes(t *testing.T) {
	card := newSim(t, Options{})

	assert.Equal(t, spi.ErrInvalidWordSize, card.ShiftOut(12, 0))
	assert.Equal(t, spi.ErrInvalidWordSize, card.ShiftIn(0, make([]byte, 1)))
	assert.Equal(t, spi.ErrInvalidLength, card.ShiftIn(16, make([]byte, 3)))
}

func TestCard_DeselectedIsSilent(t *testing.T) {
	card := newSim(t, Options{})

	require.NoError(t, card.ChipSelect(false))
	require.NoError(t, card.ShiftOut(8, 0x40))
	require.NoError(t, card.ShiftOut(32, 0))
	require.NoError(t, card.ShiftOut(8, 0x95))

	buf := make([]byte, 4)
	require.NoError(t, card.ShiftIn(8, buf))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)
}

func TestCard_GoIdle(t *testing.T) {
	card := newSim(t, Options{})

	require.NoError(t, card.ChipSelect(true))
	require.NoError(t, card.ShiftOut(8, 0xFF))
	require.NoError(t, card.ShiftOut(8, 0x40))
	require.NoError(t, card.ShiftOut(32, 0))
	require.NoError(t, card.ShiftOut(8, 0x95))

	buf := make([]byte, 3)
	require.NoError(t, card.ShiftIn(8, buf))
	assert.Equal(t, []byte{0xFF, r1Idle, 0xFF}, buf)
}

func TestCard_BlockBeforeInit(t *testing.T) {
	card := newSim(t, Options{HighCapacity: true})

	require.NoError(t, card.ChipSelect(true))
	require.NoError(t, card.ShiftOut(8, 0x40|17))
	require.NoError(t, card.ShiftOut(32, 0))
	require.NoError(t, card.ShiftOut(8, 0x01))

	buf := make([]byte, 2)
	require.NoError(t, card.ShiftIn(8, buf))
	assert.Equal(t, byte(r1Idle|r1Illegal), buf[1])
	assert.Equal(t, 0, card.Reads)
}
