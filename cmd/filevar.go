// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"io"
	"os"

	"github.com/juju/errors"
)

// FileVar represents a path to a file. The path "-" stands for stdin.
type FileVar struct {
	Path string
}

// Set stores the path.
func (f *FileVar) Set(v string) error {
	f.Path = v
	return nil
}

// String returns the path to the file.
func (f *FileVar) String() string {
	return f.Path
}

// IsStdin reports whether the file is stdin.
func (f *FileVar) IsStdin() bool {
	return f.Path == "-"
}

// Open returns a io.ReadCloser to the file relative to the context.
func (f *FileVar) Open(ctx *Context) (io.ReadCloser, error) {
	if f.Path == "" {
		return nil, errors.NotValidf("empty path")
	}
	if f.IsStdin() {
		return io.NopCloser(ctx.Stdin), nil
	}
	file, err := os.Open(ctx.AbsPath(f.Path))
	return file, errors.Trace(err)
}
