package sdfat

import (
	"errors"
	"testing"

	"github.com/aligator/sdfat/sd"
	"github.com/golang/mock/gomock"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*cache, *MockBlockDevice, *test.Hook) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	logger, hook := test.NewNullLogger()
	dev := NewMockBlockDevice(ctrl)
	return &cache{dev: dev, log: logger}, dev, hook
}

// fill returns a gomock action writing value into every byte of the destination.
func fill(value byte) func(lba uint32, dst []byte) error {
	return func(lba uint32, dst []byte) error {
		for i := range dst {
			dst[i] = value
		}
		return nil
	}
}

func TestCache_FetchOnce(t *testing.T) {
	c, dev, _ := newTestCache(t)
	dev.EXPECT().ReadBlock(uint32(7), gomock.Any()).DoAndReturn(fill(0x42)).Times(1)

	b := newBuffer(false)
	require.NoError(t, c.fetch(b, 7))
	require.NoError(t, c.fetch(b, 7))
	require.Equal(t, byte(0x42), b.data[100])
	require.Equal(t, 1, c.loads)
}

func TestCache_FlushBeforeLoad(t *testing.T) {
	c, dev, _ := newTestCache(t)
	gomock.InOrder(
		dev.EXPECT().ReadBlock(uint32(1), gomock.Any()).DoAndReturn(fill(0)),
		dev.EXPECT().WriteBlock(uint32(1), gomock.Any()).DoAndReturn(func(lba uint32, src []byte) error {
			require.Equal(t, byte(0xAB), src[3])
			return nil
		}),
		dev.EXPECT().ReadBlock(uint32(2), gomock.Any()).DoAndReturn(fill(0x11)),
	)

	b := newBuffer(false)
	require.NoError(t, c.modify(b, 1, func(data []byte) { data[3] = 0xAB }))
	require.True(t, b.Dirty())

	require.NoError(t, c.fetch(b, 2))
	require.False(t, b.Dirty())
	require.Equal(t, uint32(2), b.current)
	require.Equal(t, byte(0x11), b.data[3])
}

func TestCache_FlushMirrors(t *testing.T) {
	c, dev, _ := newTestCache(t)
	c.mirrors = func(lba uint32) []uint32 {
		return []uint32{lba + 10, lba + 20}
	}
	gomock.InOrder(
		dev.EXPECT().WriteBlock(uint32(5), gomock.Any()).Return(nil),
		dev.EXPECT().WriteBlock(uint32(15), gomock.Any()).Return(nil),
		dev.EXPECT().WriteBlock(uint32(25), gomock.Any()).Return(nil),
	)

	b := newBuffer(false)
	require.NoError(t, c.overwrite(b, 5, func(data []byte) { data[0] = 1 }))
	require.NoError(t, c.flush(b))
	// A clean buffer is not written again.
	require.NoError(t, c.flush(b))
}

func TestCache_FlushFailure(t *testing.T) {
	c, dev, hook := newTestCache(t)
	deviceErr := errors.New("card removed")
	dev.EXPECT().WriteBlock(uint32(9), gomock.Any()).Return(deviceErr).Times(2)

	b := newBuffer(false)
	require.NoError(t, c.overwrite(b, 9, func(data []byte) { data[0] = 1 }))

	err := c.flush(b)
	require.True(t, errors.Is(err, sd.ErrWriteFailed), "got %v", err)
	require.True(t, errors.Is(err, deviceErr))
	require.True(t, b.Dirty(), "the data must not get lost")
	require.Equal(t, log.WarnLevel, hook.LastEntry().Level)

	// The buffer keeps its sector, no read happens.
	err = c.fetch(b, 10)
	require.True(t, errors.Is(err, sd.ErrWriteFailed), "got %v", err)
	require.Equal(t, uint32(9), b.current)
	require.Equal(t, byte(1), b.data[0])
}

func TestCache_ReadFailure(t *testing.T) {
	c, dev, _ := newTestCache(t)
	dev.EXPECT().ReadBlock(uint32(3), gomock.Any()).Return(sd.ErrReadFailed)

	b := newBuffer(false)
	err := c.fetch(b, 3)

	code, ok := Code(err)
	require.True(t, ok)
	require.Equal(t, int(sd.ErrReadFailed), code)
	require.Equal(t, uint32(noSector), b.current)
	require.False(t, b.Dirty())
}

func TestCache_Overwrite(t *testing.T) {
	c, dev, _ := newTestCache(t)
	// Overwriting needs no read, only the write of the previous sector.
	dev.EXPECT().WriteBlock(uint32(1), gomock.Any()).Return(nil)

	b := newBuffer(false)
	require.NoError(t, c.overwrite(b, 1, func(data []byte) {}))
	require.NoError(t, c.overwrite(b, 2, func(data []byte) { data[0] = 2 }))
	require.Equal(t, uint32(2), b.current)
	require.True(t, b.Dirty())
	require.Equal(t, 0, c.loads)
}

func TestCache_AcquireRelease(t *testing.T) {
	c, _, _ := newTestCache(t)
	shared := newBuffer(true)
	dedicated := newBuffer(false)
	a, b := &File{}, &File{}

	c.acquire(shared, a)
	c.acquire(shared, a)
	c.acquire(shared, b)
	c.acquire(dedicated, a)
	c.acquire(dedicated, b)
	require.Equal(t, 2, c.switches)
	require.Equal(t, b, shared.owner)

	c.release(shared, a)
	require.Equal(t, b, shared.owner)
	c.release(shared, b)
	require.Nil(t, shared.owner)
}
