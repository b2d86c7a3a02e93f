package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/semantest/docs-sub005/examples"
)

// runInit lays out a fresh hub directory: config.yaml from the bundled
// example and an empty data directory. An existing config is kept.
func runInit(w io.Writer, dir string) error {
	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(data, 0o755); err != nil {
		return fmt.Errorf("init %s: %w", dir, err)
	}

	// 0600: the file ends up holding broker passwords and token hashes.
	cfgPath := filepath.Join(dir, "config.yaml")
	created, err := createFile(cfgPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	state := "created"
	if !created {
		state = "kept existing"
	}
	fmt.Fprintf(w, "%-14s %s\n", state, cfgPath)
	fmt.Fprintf(w, "%-14s %s\n", "data dir", data)
	fmt.Fprintf(w, "\nnext: edit %s, then run semhub --config %s serve\n", cfgPath, cfgPath)
	return nil
}

// createFile writes content to a new file at path. It reports false,
// and writes nothing, when path already exists.
func createFile(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
