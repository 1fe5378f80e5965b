package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/aligator/sdfat"
	log "github.com/sirupsen/logrus"
)

const shellHelp = `Commands:
  ls [DIR]            list a directory
  cd DIR              change the working directory
  pwd                 print the working directory
  cat FILE            print a file
  touch FILE          create an empty file
  append FILE TEXT    append a line to a file
  help                print this message
  exit                leave the shell
`

// runShell reads commands line by line from in until "exit" or the end of
// the input. Failing commands print their error and the shell goes on.
func runShell(fs *sdfat.FS, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		wd, err := fs.Getwd()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s> ", wd)

		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" {
			return nil
		}

		if err := shellCommand(fs, out, fields[0], fields[1:]); err != nil {
			log.WithField("command", fields[0]).Debug(err)
			fmt.Fprintf(out, "%s: %v\n", fields[0], describe(err))
		}
	}
}

func shellCommand(fs *sdfat.FS, out io.Writer, name string, args []string) error {
	switch name {
	case "ls":
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		return list(fs, out, dir)
	case "cd":
		if len(args) != 1 {
			return fmt.Errorf("usage: cd DIR")
		}
		return fs.Chdir(args[0])
	case "pwd":
		wd, err := fs.Getwd()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, wd)
		return nil
	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: cat FILE")
		}
		return cat(fs, out, args[0])
	case "touch":
		if len(args) != 1 {
			return fmt.Errorf("usage: touch FILE")
		}
		f, err := fs.Open(args[0], sdfat.ModeAppend)
		if err != nil {
			return err
		}
		return f.Close()
	case "append":
		if len(args) < 2 {
			return fmt.Errorf("usage: append FILE TEXT")
		}
		f, err := fs.Open(args[0], sdfat.ModeAppend)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(strings.Join(args[1:], " ") + "\n"); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case "help":
		fmt.Fprint(out, shellHelp)
		return nil
	}
	return fmt.Errorf("unknown command, try help")
}

func list(fs *sdfat.FS, out io.Writer, dir string) error {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(out, "%-12s %10s %s\n", entry.Name(), "<DIR>", entry.ModTime().Format("2006-01-02 15:04"))
			continue
		}
		fmt.Fprintf(out, "%-12s %10d %s\n", entry.Name(), entry.Size(), entry.ModTime().Format("2006-01-02 15:04"))
	}
	return nil
}

func cat(fs *sdfat.FS, out io.Writer, name string) error {
	f, err := fs.Open(name, sdfat.ModeRead)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(out, f)
	return err
}
