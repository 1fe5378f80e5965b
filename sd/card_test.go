package sd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aligator/sdfat/sd/sdsim"
	"github.com/aligator/sdfat/spi"
	"github.com/golang/mock/gomock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testBlocks = 64

func newTestCard(t *testing.T, opts sdsim.Options, cfg Config) (*Card, *sdsim.Card) {
	t.Helper()

	image, err := afero.NewMemMapFs().Create("card.img")
	require.NoError(t, err)
	require.NoError(t, image.Truncate(testBlocks*BlockSize))

	sim, err := sdsim.New(image, opts)
	require.NoError(t, err)

	return New(sim, cfg), sim
}

func pattern(seed byte) []byte {
	data := make([]byte, BlockSize)
	for i := range data {
		data[i] = byte(i) ^ seed
	}
	return data
}

func TestCard_Start(t *testing.T) {
	tests := []struct {
		name             string
		opts             sdsim.Options
		cfg              Config
		removed          bool
		wantHighCapacity bool
		wantErr          error
	}{
		{
			name:             "SDHC card",
			opts:             sdsim.Options{HighCapacity: true},
			cfg:              DefaultConfig(),
			wantHighCapacity: true,
		},
		{
			name: "standard capacity card",
			opts: sdsim.Options{},
			cfg:  DefaultConfig(),
		},
		{
			name: "version 1 card",
			opts: sdsim.Options{Version1: true},
			cfg:  DefaultConfig(),
		},
		{
			name:             "card needing several ACMD41",
			opts:             sdsim.Options{HighCapacity: true, InitPolls: 20},
			cfg:              DefaultConfig(),
			wantHighCapacity: true,
		},
		{
			name:    "card never leaving idle state",
			opts:    sdsim.Options{InitPolls: 50},
			cfg:     Config{InitAttempts: 10, ResponseAttempts: 8, TokenAttempts: 8, BusyAttempts: 8},
			wantErr: ErrDeviceTimeout,
		},
		{
			name:    "no card",
			opts:    sdsim.Options{},
			cfg:     DefaultConfig(),
			removed: true,
			wantErr: ErrDeviceTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card, sim := newTestCard(t, tt.opts, tt.cfg)
			sim.Removed = tt.removed

			err := card.Start()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Card.Start() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && card.HighCapacity() != tt.wantHighCapacity {
				t.Errorf("Card.HighCapacity() = %v, want %v", card.HighCapacity(), tt.wantHighCapacity)
			}
		})
	}
}

func TestCard_RoundTrip(t *testing.T) {
	for _, highCapacity := range []bool{false, true} {
		card, sim := newTestCard(t, sdsim.Options{HighCapacity: highCapacity, BusyPolls: 3}, DefaultConfig())
		require.NoError(t, card.Start())

		for _, lba := range []uint32{0, 1, 33, testBlocks - 1} {
			want := pattern(byte(lba))
			require.NoError(t, card.WriteBlock(lba, want))

			got := make([]byte, BlockSize)
			require.NoError(t, card.ReadBlock(lba, got))
			require.Equal(t, want, got, "lba %d, high capacity %v", lba, highCapacity)

			// Writing back what was read must not change anything.
			require.NoError(t, card.WriteBlock(lba, got))
			again := make([]byte, BlockSize)
			require.NoError(t, card.ReadBlock(lba, again))
			require.True(t, bytes.Equal(want, again))
		}

		require.Equal(t, 8, sim.Writes)
		require.Equal(t, 8, sim.Reads)
	}
}

func TestCard_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyAttempts = 100

	tests := []struct {
		name    string
		prepare func(sim *sdsim.Card)
		do      func(card *Card) error
		wantErr error
	}{
		{
			name: "card stays busy after write",
			prepare: func(sim *sdsim.Card) {
				sim.StuckBusy = true
			},
			do: func(card *Card) error {
				return card.WriteBlock(3, pattern(1))
			},
			wantErr: ErrDeviceTimeout,
		},
		{
			name: "card rejects data",
			prepare: func(sim *sdsim.Card) {
				sim.RejectWrites = true
			},
			do: func(card *Card) error {
				return card.WriteBlock(3, pattern(1))
			},
			wantErr: ErrWriteFailed,
		},
		{
			name: "card removed",
			prepare: func(sim *sdsim.Card) {
				sim.Removed = true
			},
			do: func(card *Card) error {
				return card.ReadBlock(3, make([]byte, BlockSize))
			},
			wantErr: ErrDeviceTimeout,
		},
		{
			name: "read past the end",
			do: func(card *Card) error {
				return card.ReadBlock(testBlocks, make([]byte, BlockSize))
			},
			wantErr: ErrReadFailed,
		},
		{
			name: "write past the end",
			do: func(card *Card) error {
				return card.WriteBlock(testBlocks+10, pattern(0))
			},
			wantErr: ErrWriteFailed,
		},
		{
			name: "short buffer",
			do: func(card *Card) error {
				return card.ReadBlock(0, make([]byte, 100))
			},
			wantErr: ErrInvalidBuffer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card, sim := newTestCard(t, sdsim.Options{HighCapacity: true}, cfg)
			require.NoError(t, card.Start())
			if tt.prepare != nil {
				tt.prepare(sim)
			}

			if err := tt.do(card); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCard_NotStarted(t *testing.T) {
	card, _ := newTestCard(t, sdsim.Options{}, DefaultConfig())

	err := card.ReadBlock(0, make([]byte, BlockSize))
	require.True(t, errors.Is(err, ErrNotStarted), "got %v", err)

	err = card.WriteBlock(0, make([]byte, BlockSize))
	require.True(t, errors.Is(err, ErrNotStarted), "got %v", err)
}

func TestCard_TransportErrors(t *testing.T) {
	t.Run("chip select fails on start", func(t *testing.T) {
		mockCtrl := gomock.NewController(t)
		bus := spi.NewMockBus(mockCtrl)
		bus.EXPECT().ChipSelect(false).Return(spi.ErrTransfer)

		err := New(bus, DefaultConfig()).Start()

		mockCtrl.Finish()
		if !errors.Is(err, spi.ErrTransfer) {
			t.Errorf("Card.Start() error = %v, wantErr %v", err, spi.ErrTransfer)
		}
	})

	t.Run("command frame fails on read", func(t *testing.T) {
		mockCtrl := gomock.NewController(t)
		bus := spi.NewMockBus(mockCtrl)
		gomock.InOrder(
			bus.EXPECT().ChipSelect(true).Return(nil),
			bus.EXPECT().ShiftOut(uint8(8), uint32(commandStartBits|cmdReadSingle)).Return(spi.ErrTransfer),
			bus.EXPECT().ChipSelect(false).Return(nil),
			bus.EXPECT().ShiftOut(uint8(8), uint32(idleByte)).Return(nil),
		)

		card := New(bus, DefaultConfig())
		card.started = true
		err := card.ReadBlock(0, make([]byte, BlockSize))

		mockCtrl.Finish()
		if !errors.Is(err, spi.ErrTransfer) {
			t.Errorf("Card.ReadBlock() error = %v, wantErr %v", err, spi.ErrTransfer)
		}
	})
}

func TestErrorCode_Ranges(t *testing.T) {
	for _, code := range []ErrorCode{ErrDeviceTimeout, ErrWriteFailed, ErrReadFailed, ErrInvalidResponse, ErrNotStarted, ErrAddressOutOfRange, ErrInvalidBuffer} {
		if !IsError(code.Code()) {
			t.Errorf("IsError(%d) = false for %v", code, code)
		}
		if spi.IsError(code.Code()) {
			t.Errorf("spi.IsError(%d) = true for %v", code, code)
		}
	}
	if IsError(int(EndError)) {
		t.Error("EndError must be outside of the range")
	}
}
