package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"hostfs/internal/client"
	"hostfs/internal/ui"
	"hostfs/pkg/utils"

	"github.com/spf13/cobra"
)

type PutFlags struct {
	Overwrite bool
}

type GetFlags struct {
	Overwrite bool
}

var (
	putFlags PutFlags
	getFlags GetFlags
)

// getCmd represents the get command
var getCmd = controllerCommand("get <remote> [local]", "Download a file from the host", cobra.RangeArgs(1, 2),
	func(ctx context.Context, c *client.Client, args []string) error {
		local := "."
		if len(args) == 2 {
			local = args[1]
		}
		return runDownload(ctx, c, args[0], local, getFlags.Overwrite)
	})

// putCmd represents the put command
var putCmd = controllerCommand("put <local> <remote>", "Upload a file to the host", cobra.ExactArgs(2),
	func(ctx context.Context, c *client.Client, args []string) error {
		return runUpload(ctx, c, args[0], args[1], putFlags.Overwrite)
	})

func init() {
	getCmd.Long = `Download a file from the host. When local is an existing directory the file
keeps its remote name. The local file appears only once the download completed;
an existing local file is replaced only with --overwrite.`
	putCmd.Long = `Upload a file to the host. The remote file appears only once the upload
completed; an existing remote file is replaced only with --overwrite.`

	getCmd.Flags().BoolVar(&getFlags.Overwrite, "overwrite", false, "replace an existing local file")
	putCmd.Flags().BoolVar(&putFlags.Overwrite, "overwrite", false, "replace an existing remote file")

	rootCmd.AddCommand(getCmd, putCmd)
}

// runDownload pulls remote into local with a progress bar. Data is staged in a
// temporary file next to the destination and renamed over it on success.
func runDownload(ctx context.Context, c *client.Client, remote, local string, overwrite bool) error {
	dst, err := utils.ResolveLocalDestination(local, remote)
	if err != nil {
		return err
	}
	if err := checkLocalTarget(dst, overwrite); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".hostfs-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", dst, err)
	}
	tmpPath := tmp.Name()

	progress := ui.NewProgressUI(os.Stderr)
	progress.Start("Downloading", filepath.Base(dst), -1)

	_, err = c.Download(ctx, remote, tmp, progress.Update)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		// The target may have appeared while the download ran.
		err = checkLocalTarget(dst, overwrite)
	}
	if err == nil {
		err = os.Rename(tmpPath, dst)
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	progress.Finish()
	return nil
}

// checkLocalTarget refuses an existing dst unless overwrite is set.
func checkLocalTarget(dst string, overwrite bool) error {
	info, err := os.Stat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("cannot access %s: %w", dst, err)
	case info.IsDir():
		return fmt.Errorf("%s is a directory", dst)
	case !overwrite:
		return fmt.Errorf("%s already exists, use --overwrite to replace it: %w", dst, fs.ErrExist)
	}
	return nil
}

// runUpload pushes local to remote with a progress bar.
func runUpload(ctx context.Context, c *client.Client, local, remote string, overwrite bool) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", local, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}

	progress := ui.NewProgressUI(os.Stderr)
	progress.Start("Uploading", filepath.Base(local), info.Size())

	if _, err := c.Upload(ctx, f, remote, info.Size(), overwrite, progress.Update); err != nil {
		return err
	}

	progress.Finish()
	return nil
}
