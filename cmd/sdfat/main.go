package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/sd"
	"github.com/aligator/sdfat/sd/sdsim"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// GlobalConfig is the tool configuration read from the config file.
// Command line flags win over it.
type GlobalConfig struct {
	Image        string   `yaml:"image"`
	Emulate      bool     `yaml:"emulate"`
	GlobalBuffer bool     `yaml:"global-buffer"`
	MaxOpenFiles int      `yaml:"max-open-files"`
	SD           SDConfig `yaml:"sd"`
}

// SDConfig holds the polling limits of the SD driver used with --emulate.
type SDConfig struct {
	InitAttempts     int  `yaml:"init-attempts"`
	ResponseAttempts int  `yaml:"response-attempts"`
	TokenAttempts    int  `yaml:"token-attempts"`
	BusyAttempts     int  `yaml:"busy-attempts"`
	StandardCapacity bool `yaml:"standard-capacity"`
}

var (
	defaultLogFormatter = &log.TextFormatter{}

	// Config is the global tool configuration
	Config = GlobalConfig{}
)

// infoFormatter prints Info() log events without decoration.
type infoFormatter struct {
}

func (f *infoFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Level == log.InfoLevel {
		return append([]byte(entry.Message), '\n'), nil
	}
	return defaultLogFormatter.Format(entry)
}

func defaultConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), ".sdfat", "config.yml")
}

// readConfig loads the config file into Config. A missing file is only an
// error if it was asked for explicitly.
func readConfig(cfgPath string, explicit bool) error {
	cfgBytes, err := ioutil.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read %q: %v", cfgPath, err)
	}
	if err := yaml.Unmarshal(cfgBytes, &Config); err != nil {
		return fmt.Errorf("failed to parse %q: %v", cfgPath, err)
	}
	return nil
}

func (c GlobalConfig) sdConfig() sd.Config {
	cfg := sd.DefaultConfig()
	if c.SD.InitAttempts > 0 {
		cfg.InitAttempts = c.SD.InitAttempts
	}
	if c.SD.ResponseAttempts > 0 {
		cfg.ResponseAttempts = c.SD.ResponseAttempts
	}
	if c.SD.TokenAttempts > 0 {
		cfg.TokenAttempts = c.SD.TokenAttempts
	}
	if c.SD.BusyAttempts > 0 {
		cfg.BusyAttempts = c.SD.BusyAttempts
	}
	cfg.Logger = log.StandardLogger()
	return cfg
}

func (c GlobalConfig) fsConfig() sdfat.Config {
	cfg := sdfat.Config{
		MaxOpenFiles: c.MaxOpenFiles,
		Logger:       log.StandardLogger(),
	}
	if c.GlobalBuffer {
		cfg.Buffering = sdfat.BufferGlobal
	}
	return cfg
}

// device is an opened image, either accessed directly or through the SD
// card emulation and the SPI driver.
type device struct {
	image   afero.File
	sectors uint32
	dev     sdfat.BlockDevice
}

func openDevice(fs afero.Fs, cfg GlobalConfig) (*device, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("no image given, use --image or the config file")
	}

	image, err := fs.OpenFile(cfg.Image, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	direct, err := sdfat.NewImageDevice(image)
	if err != nil {
		image.Close()
		return nil, err
	}

	d := &device{image: image, sectors: direct.Sectors(), dev: direct}
	if !cfg.Emulate {
		return d, nil
	}

	sim, err := sdsim.New(image, sdsim.Options{HighCapacity: !cfg.SD.StandardCapacity})
	if err != nil {
		image.Close()
		return nil, err
	}
	card := sd.New(sim, cfg.sdConfig())
	if err := card.Start(); err != nil {
		image.Close()
		return nil, err
	}
	log.WithField("highCapacity", card.HighCapacity()).Debug("emulated card started")

	d.dev = card
	return d, nil
}

func (d *device) Close() error {
	return d.image.Close()
}

// withFS mounts the configured image, runs fn and unmounts again.
func withFS(fn func(fs *sdfat.FS) error) error {
	d, err := openDevice(afero.NewOsFs(), Config)
	if err != nil {
		return err
	}
	defer d.Close()

	fs := sdfat.New(d.dev, Config.fsConfig())
	if err := fs.Mount(); err != nil {
		return describe(err)
	}

	runErr := fn(fs)
	if err := fs.Unmount(); err != nil && runErr == nil {
		runErr = err
	}
	return describe(runErr)
}

// describe names the layer an error code belongs to and the error the
// failure originated from. The full checkpoint trail is logged at debug level.
func describe(err error) error {
	if err == nil {
		return nil
	}
	code, ok := sdfat.Code(err)
	if !ok {
		return err
	}
	log.WithError(err).Debug("checkpoints")

	layer := "filesystem"
	switch {
	case sd.IsError(code):
		layer = "sd card"
	case !sdfat.IsError(code):
		layer = "spi bus"
	}
	return fmt.Errorf("%s error %d: %v", layer, code, checkpoint.Cause(err))
}

func newCmd() *cobra.Command {
	var (
		flagDebug    bool
		flagConfig   string
		image        string
		emulate      bool
		globalBuffer bool
	)
	cmd := &cobra.Command{
		Use:               "sdfat",
		Short:             "access FAT volumes on SD card images",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			explicit := flagConfig != ""
			if !explicit {
				flagConfig = defaultConfigPath()
			}
			if err := readConfig(flagConfig, explicit); err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("image") {
				Config.Image = image
			}
			if flags.Changed("emulate") {
				Config.Emulate = emulate
			}
			if flags.Changed("global-buffer") {
				Config.GlobalBuffer = globalBuffer
			}

			// Set up logging
			log.SetFormatter(new(infoFormatter))
			log.SetLevel(log.InfoLevel)
			if flagDebug {
				log.SetFormatter(defaultLogFormatter)
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}

	cmd.AddCommand(mkfsCmd())
	cmd.AddCommand(infoCmd())
	cmd.AddCommand(lsCmd())
	cmd.AddCommand(catCmd())
	cmd.AddCommand(putCmd())
	cmd.AddCommand(copyCmd())
	cmd.AddCommand(shellCmd())

	cmd.PersistentFlags().StringVarP(&image, "image", "i", "", "Disk image holding the FAT volume")
	cmd.PersistentFlags().BoolVar(&emulate, "emulate", false, "Access the image through the emulated SD card and the SPI driver")
	cmd.PersistentFlags().BoolVar(&globalBuffer, "global-buffer", false, "Let all open files share one sector buffer")
	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", fmt.Sprintf("Config file, defaults to %s", defaultConfigPath()))
	cmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Debug logging")

	return cmd
}

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
