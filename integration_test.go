package sdfat

import (
	"testing"

	"github.com/aligator/sdfat/sd"
	"github.com/aligator/sdfat/sd/sdsim"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// TestSDCard runs the filesystem on an emulated SD card in SPI mode.
func TestSDCard(t *testing.T) {
	for _, highCapacity := range []bool{false, true} {
		image, err := afero.NewMemMapFs().Create("card.img")
		require.NoError(t, err)
		require.NoError(t, image.Truncate(int64(geometryFAT16.sectors)*SectorSize))

		// Format through the image, use through the card.
		dev, err := NewImageDevice(image)
		require.NoError(t, err)
		require.NoError(t, Format(dev, geometryFAT16.sectors, geometryFAT16.opts))

		sim, err := sdsim.New(image, sdsim.Options{HighCapacity: highCapacity, InitPolls: 3, BusyPolls: 2})
		require.NoError(t, err)
		card := sd.New(sim, sd.DefaultConfig())
		require.NoError(t, card.Start())

		fs := mountTestFS(t, card, Config{})
		want := testData(3000, 4)
		writeTestFile(t, fs, "CARD.BIN", want)
		require.NoError(t, fs.Unmount())
		require.True(t, sim.Writes > 0)

		// The image holds the file.
		other := mountTestFS(t, dev, Config{})
		require.Equal(t, want, readTestFile(t, other, "CARD.BIN"))

		// A removed card fails with an error of the sd layer.
		require.NoError(t, fs.Mount())
		sim.Removed = true
		_, err = fs.Open("CARD.BIN", ModeRead)
		code, ok := Code(err)
		require.True(t, ok, "got %v", err)
		require.True(t, sd.IsError(code), "code %d", code)
	}
}
