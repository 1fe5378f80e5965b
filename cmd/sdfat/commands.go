package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/aligator/sdfat"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func parseFATType(s string) (sdfat.FATType, error) {
	switch strings.TrimPrefix(strings.ToUpper(s), "FAT") {
	case "12":
		return sdfat.FAT12, nil
	case "16":
		return sdfat.FAT16, nil
	case "32":
		return sdfat.FAT32, nil
	}
	return 0, fmt.Errorf("unknown FAT type %q", s)
}

func mkfsCmd() *cobra.Command {
	var (
		fatType           string
		sectors           uint32
		sectorsPerCluster uint8
		label             string
		volumeID          uint32
		partitionStart    uint32
	)
	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "format the image",
		Long: `Format the image with an empty FAT volume.
The image is created or resized if --sectors is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseFATType(fatType)
			if err != nil {
				return err
			}
			if Config.Image == "" {
				return fmt.Errorf("no image given, use --image or the config file")
			}

			if sectors > 0 {
				f, err := afero.NewOsFs().OpenFile(Config.Image, os.O_RDWR|os.O_CREATE, 0644)
				if err != nil {
					return err
				}
				err = f.Truncate(int64(sectors) * sdfat.SectorSize)
				f.Close()
				if err != nil {
					return err
				}
			}

			d, err := openDevice(afero.NewOsFs(), Config)
			if err != nil {
				return describe(err)
			}
			defer d.Close()

			err = sdfat.Format(d.dev, d.sectors, sdfat.FormatOptions{
				Type:              t,
				SectorsPerCluster: sectorsPerCluster,
				Label:             label,
				VolumeID:          volumeID,
				PartitionStart:    partitionStart,
			})
			if err != nil {
				return describe(err)
			}
			log.Infof("Formatted %s with %s, %d sectors", Config.Image, t, d.sectors)
			return nil
		},
	}

	cmd.Flags().StringVarP(&fatType, "type", "t", "FAT32", "FAT type: FAT12, FAT16 or FAT32")
	cmd.Flags().Uint32Var(&sectors, "sectors", 0, "Create or resize the image to this number of 512 byte sectors")
	cmd.Flags().Uint8Var(&sectorsPerCluster, "cluster-sectors", 1, "Sectors per cluster")
	cmd.Flags().StringVarP(&label, "label", "l", "", "Volume label")
	cmd.Flags().Uint32Var(&volumeID, "volume-id", 0, "Volume serial number")
	cmd.Flags().Uint32Var(&partitionStart, "partition-start", 0, "Put the volume into a partition starting at this sector")

	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "show the volume layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(func(fs *sdfat.FS) error {
				info, err := fs.Info()
				if err != nil {
					return err
				}
				printInfo(cmd.OutOrStdout(), info)
				return nil
			})
		},
	}
}

func printInfo(out io.Writer, info sdfat.Info) {
	fmt.Fprintf(out, "Type:                %s\n", info.FSType)
	fmt.Fprintf(out, "Label:               %s\n", info.Label)
	fmt.Fprintf(out, "Volume start:        %d\n", info.VolumeStart)
	fmt.Fprintf(out, "Total sectors:       %d\n", info.TotalSectors)
	fmt.Fprintf(out, "Sectors per cluster: %d\n", info.SectorsPerCluster)
	fmt.Fprintf(out, "Clusters:            %d\n", info.ClusterCount)
	fmt.Fprintf(out, "FATs:                %d x %d sectors at %d\n", info.NumFATs, info.FATSize, info.FATStart)
	if info.FSType == sdfat.FAT32 {
		fmt.Fprintf(out, "Root cluster:        %d\n", info.RootCluster)
		fmt.Fprintf(out, "FSInfo sector:       %d\n", info.FSInfoSector)
	} else {
		fmt.Fprintf(out, "Root entries:        %d at %d\n", info.RootEntryCount, info.RootDirStart)
	}
	fmt.Fprintf(out, "First data sector:   %d\n", info.FirstDataSector)
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "list a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			return withFS(func(fs *sdfat.FS) error {
				return list(fs, cmd.OutOrStdout(), dir)
			})
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat FILE",
		Short: "print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(func(fs *sdfat.FS) error {
				return cat(fs, cmd.OutOrStdout(), args[0])
			})
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put HOST FILE",
		Short: "copy a host file onto the volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := ioutil.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withFS(func(fs *sdfat.FS) error {
				return put(fs, args[1], data)
			})
		},
	}
}

func put(fs *sdfat.FS, name string, data []byte) error {
	f, err := fs.Open(name, sdfat.ModeReadWrite)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy SRC DST",
		Short: "copy a file on the volume byte by byte",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(func(fs *sdfat.FS) error {
				n, err := copyFile(fs, args[0], args[1])
				if err != nil {
					return err
				}
				log.Infof("Copied %d bytes", n)
				return nil
			})
		},
	}
}

// copyFile copies src to dst one byte at a time, with both files open.
func copyFile(fs *sdfat.FS, src, dst string) (int, error) {
	in, err := fs.Open(src, sdfat.ModeRead)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := fs.Open(dst, sdfat.ModeReadWrite)
	if err != nil {
		return 0, err
	}
	if err := out.Truncate(0); err != nil {
		out.Close()
		return 0, err
	}

	n := 0
	for !in.EOF() {
		c, err := in.ReadByte()
		if err != nil {
			out.Close()
			return n, err
		}
		if err := out.WriteByte(c); err != nil {
			out.Close()
			return n, err
		}
		n++
	}
	return n, out.Close()
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "interactive shell on the volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(func(fs *sdfat.FS) error {
				return runShell(fs, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}
