// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

func FileExists(filename string) bool {
	f, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !f.IsDir()
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	f, err := os.Stat(path)
	return err == nil && f.IsDir()
}

// CreateFile writes content to a file by path `file`
func CreateFile(file, content string) error {
	var f *os.File
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(content + "\n"); err != nil {
		return err
	}

	return nil
}

// CreateDirectory creates a directory by a path with a mode/permission specified by perm.
// If directory exists, the function does not do anything.
func CreateDirectory(path string, perm os.FileMode) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.MkdirAll(path, perm)
	}
}

func ReadFileContent(file string) ([]byte, error) {
	// check file exists
	if !FileExists(file) {
		return nil, fmt.Errorf("file %s does not exist", file)
	}

	// read and return file content
	b, err := os.ReadFile(file)
	return b, err
}

// ConcatFiles writes the contents of the source files into dst in the order given.
// Used to assemble CA chain bundles, where root-first ordering is a contract.
func ConcatFiles(dst string, srcs ...string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, src := range srcs {
		b, err := ReadFileContent(src)
		if err != nil {
			return err
		}

		if _, err := f.Write(b); err != nil {
			return err
		}

		// keep PEM blocks separated even if a source misses a trailing newline
		if len(b) > 0 && b[len(b)-1] != '\n' {
			if _, err := f.WriteString("\n"); err != nil {
				return err
			}
		}
	}

	return nil
}

// EnsureParentDirectory creates the parent directory of path if it does not exist.
func EnsureParentDirectory(path string, perm os.FileMode) {
	CreateDirectory(filepath.Dir(path), perm)
}
