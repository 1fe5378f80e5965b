package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/sd"
	"github.com/aligator/sdfat/spi"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testSectors = 8400

// newTestImage creates a formatted FAT16 image in memory.
func newTestImage(t *testing.T) afero.Fs {
	mem := afero.NewMemMapFs()
	image, err := mem.Create("card.img")
	require.NoError(t, err)
	require.NoError(t, image.Truncate(testSectors*sdfat.SectorSize))

	dev, err := sdfat.NewImageDevice(image)
	require.NoError(t, err)
	require.NoError(t, sdfat.Format(dev, testSectors, sdfat.FormatOptions{Type: sdfat.FAT16, Label: "SHELL"}))
	require.NoError(t, image.Close())
	return mem
}

func mountTestImage(t *testing.T, mem afero.Fs, cfg GlobalConfig) *sdfat.FS {
	cfg.Image = "card.img"
	d, err := openDevice(mem, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	fs := sdfat.New(d.dev, cfg.fsConfig())
	require.NoError(t, fs.Mount())
	return fs
}

func TestRunShell(t *testing.T) {
	tests := []struct {
		name string
		cfg  GlobalConfig
	}{
		{name: "image", cfg: GlobalConfig{}},
		{name: "global buffer", cfg: GlobalConfig{GlobalBuffer: true}},
		{name: "emulated card", cfg: GlobalConfig{Emulate: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := mountTestImage(t, newTestImage(t), tt.cfg)

			script := strings.Join([]string{
				"pwd",
				"touch A.TXT",
				"append A.TXT hello   world",
				"append a.txt again",
				"",
				"cat A.TXT",
				"ls",
				"cd NOPE",
				"bogus",
				"exit",
				"touch NEVER.TXT",
			}, "\n")

			var out bytes.Buffer
			require.NoError(t, runShell(fs, strings.NewReader(script), &out))

			got := out.String()
			require.Equal(t, 10, strings.Count(got, "/> "))
			require.Contains(t, got, "/> /\n")
			require.Contains(t, got, "hello world\nagain\n")
			require.Regexp(t, `A\.TXT\s+18\s`, got)
			require.Contains(t, got, "cd: filesystem error")
			require.Contains(t, got, "bogus: unknown command")

			_, err := fs.Stat("NEVER.TXT")
			require.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
			require.NoError(t, fs.Unmount())
		})
	}
}

func TestRunShell_Directories(t *testing.T) {
	fs := mountTestImage(t, newTestImage(t), GlobalConfig{})

	var out bytes.Buffer
	require.NoError(t, runShell(fs, strings.NewReader("cd ..\npwd\nls /\nhelp"), &out))

	got := out.String()
	require.Contains(t, got, "/> /\n")
	require.Contains(t, got, "append FILE TEXT")
	// The prompt after the end of the input is followed by a newline.
	require.True(t, strings.HasSuffix(got, "/> \n"), "got %q", got)
}

func Test_copyFile(t *testing.T) {
	for _, global := range []bool{false, true} {
		fs := mountTestImage(t, newTestImage(t), GlobalConfig{GlobalBuffer: global})

		data := bytes.Repeat([]byte("0123456789abcdef"), 100)
		require.NoError(t, put(fs, "SRC.BIN", data))
		require.NoError(t, put(fs, "DST.BIN", []byte("old content which is overwritten")))

		n, err := copyFile(fs, "SRC.BIN", "DST.BIN")
		require.NoError(t, err)
		require.Equal(t, len(data), n)

		var out bytes.Buffer
		require.NoError(t, cat(fs, &out, "DST.BIN"))
		require.Equal(t, data, out.Bytes())

		_, err = copyFile(fs, "MISSING", "DST.BIN")
		require.True(t, errors.Is(err, sdfat.ErrNotFound), "got %v", err)
	}
}

func Test_parseFATType(t *testing.T) {
	tests := []struct {
		input   string
		want    sdfat.FATType
		wantErr bool
	}{
		{input: "FAT12", want: sdfat.FAT12},
		{input: "fat16", want: sdfat.FAT16},
		{input: "32", want: sdfat.FAT32},
		{input: "exfat", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseFATType(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFATType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseFATType(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func Test_describe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "spi", err: spi.ErrInvalidWordSize, want: "spi bus error"},
		{name: "sd", err: sd.ErrReadFailed, want: "sd card error"},
		{name: "filesystem", err: sdfat.ErrNotFound, want: "filesystem error"},
		{name: "other", err: errors.New("plain"), want: "plain"},
		{
			name: "origin of a wrapped error",
			err:  checkpoint.From(checkpoint.Wrap(errors.New("card removed"), sd.ErrReadFailed)),
			want: fmt.Sprintf("sd card error %d: card removed", sd.ErrReadFailed),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := describe(tt.err)
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, strings.HasPrefix(err.Error(), tt.want), "got %v", err)
		})
	}
}

func Test_readConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "sdfat")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	Config = GlobalConfig{}
	defer func() { Config = GlobalConfig{} }()

	// A missing default config is fine.
	require.NoError(t, readConfig(filepath.Join(dir, "missing.yml"), false))
	require.Error(t, readConfig(filepath.Join(dir, "missing.yml"), true))

	cfgPath := filepath.Join(dir, "config.yml")
	require.NoError(t, ioutil.WriteFile(cfgPath, []byte(`
image: card.img
emulate: true
global-buffer: true
max-open-files: 2
sd:
  init-attempts: 10
  standard-capacity: true
`), 0644))
	require.NoError(t, readConfig(cfgPath, true))
	require.Equal(t, GlobalConfig{
		Image:        "card.img",
		Emulate:      true,
		GlobalBuffer: true,
		MaxOpenFiles: 2,
		SD:           SDConfig{InitAttempts: 10, StandardCapacity: true},
	}, Config)

	sdCfg := Config.sdConfig()
	require.Equal(t, 10, sdCfg.InitAttempts)
	require.Equal(t, sd.DefaultConfig().BusyAttempts, sdCfg.BusyAttempts)
	require.Equal(t, sdfat.BufferGlobal, Config.fsConfig().Buffering)

	require.NoError(t, ioutil.WriteFile(cfgPath, []byte("image: ["), 0644))
	require.Error(t, readConfig(cfgPath, true))
}

func Test_openDevice(t *testing.T) {
	mem := newTestImage(t)

	_, err := openDevice(mem, GlobalConfig{})
	require.Error(t, err)
	_, err = openDevice(mem, GlobalConfig{Image: "missing.img"})
	require.Error(t, err)

	d, err := openDevice(mem, GlobalConfig{Image: "card.img", Emulate: true, SD: SDConfig{StandardCapacity: true}})
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, uint32(testSectors), d.sectors)
	_, ok := d.dev.(*sd.Card)
	require.True(t, ok)

	fs := sdfat.New(d.dev, sdfat.Config{})
	require.NoError(t, fs.Mount())
	info, err := fs.Info()
	require.NoError(t, err)
	require.Equal(t, "SHELL", info.Label)

	var out bytes.Buffer
	printInfo(&out, info)
	require.Contains(t, out.String(), "FAT16")
}
