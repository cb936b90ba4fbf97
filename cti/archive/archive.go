// Package archive packs a Manifest's delta into a gnutar archive (spec
// §4.8): directory entries for bin/lib/tmp plus one entry per file,
// streamed through stdlib archive/tar the way the teacher's own
// lxd/cluster/recover.go writes tar headers directly rather than reaching
// for a third-party tar library.
package archive

import (
	"archive/tar"
	"io"
	"os"
	"time"

	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
)

// Entry is one file to pack: realname under folder, sourced from a local
// path (spec §3 "File entry").
type Entry struct {
	Folder     string // "bin", "lib", "lib.<n>", or "" for root
	Realname   string
	SourcePath string
}

const blockSize = 256

// Pack writes a gnutar archive at outPath containing directory entries
// for {bin,lib,tmp} plus every entry, streaming regular files in
// 256-byte blocks (spec §4.8). An entry whose source is a directory gets
// a directory header only; any other non-regular source is an error. On
// any write error the partially-written archive is unlinked.
func Pack(outPath string, entries []Entry) (err error) {
	out, err := os.Create(outPath)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "creating archive %s", outPath)
	}

	defer func() {
		closeErr := out.Close()
		if err != nil {
			os.Remove(outPath)
			return
		}

		if closeErr != nil {
			err = ctierr.Wrap(ctierr.ShipFailed, closeErr, "closing archive %s", outPath)
			os.Remove(outPath)
		}
	}()

	tw := tar.NewWriter(out)
	defer func() {
		if closeErr := tw.Close(); closeErr != nil && err == nil {
			err = ctierr.Wrap(ctierr.ShipFailed, closeErr, "finalizing archive %s", outPath)
		}
	}()

	now := time.Now()

	for _, dir := range []string{"bin", "lib", "tmp"} {
		if err = writeDirHeader(tw, dir, now); err != nil {
			return err
		}
	}

	for _, e := range entries {
		if err = writeEntry(tw, e); err != nil {
			return err
		}
	}

	return nil
}

func writeDirHeader(tw *tar.Writer, name string, now time.Time) error {
	hdr := &tar.Header{
		Name:     name + "/",
		Format:   tar.FormatGNU,
		Typeflag: tar.TypeDir,
		Mode:     0o700,
		ModTime:  now,
		AccessTime: now,
		ChangeTime: now,
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "writing directory header %s", name)
	}

	return nil
}

func writeEntry(tw *tar.Writer, e Entry) error {
	info, err := os.Lstat(e.SourcePath)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "stat %s", e.SourcePath)
	}

	name := e.Realname
	if e.Folder != "" {
		name = e.Folder + "/" + e.Realname
	}

	if info.IsDir() {
		return writeDirHeader(tw, name, time.Now())
	}

	if !info.Mode().IsRegular() {
		return ctierr.New(ctierr.ShipFailed, "unsupported file kind for %s: %v", e.SourcePath, info.Mode())
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "building header for %s", e.SourcePath)
	}

	hdr.Name = name
	hdr.Format = tar.FormatGNU

	if err := tw.WriteHeader(hdr); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "writing header for %s", name)
	}

	f, err := os.Open(e.SourcePath)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "opening %s", e.SourcePath)
	}
	defer f.Close()

	buf := make([]byte, blockSize)

	if _, err := io.CopyBuffer(tw, f, buf); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "streaming %s into archive", e.SourcePath)
	}

	return nil
}
