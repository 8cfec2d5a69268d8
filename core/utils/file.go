// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides filesystem helpers for router state.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// DataDirMode is the required mode of a data directory.
const DataDirMode = os.ModeDir | 0700

// Exists returns true iff f exists.
func Exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// PairExists reports whether both or neither of a and b exist.  Key pairs
// are stored as two files that must be created and removed together.
func PairExists(a, b string) (both, neither bool, err error) {
	aOk, err := Exists(a)
	if err != nil {
		return false, false, err
	}
	bOk, err := Exists(b)
	if err != nil {
		return false, false, err
	}
	return aOk && bOk, !aOk && !bOk, nil
}

// InitDataDir ensures that d exists (or can be created), and that it has
// DataDirMode.
func InitDataDir(d string) error {
	fi, err := os.Lstat(d)
	if err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, DataDirMode); err != nil {
			return fmt.Errorf("failed to create DataDir: %v", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("DataDir '%v' is not a directory", d)
	}
	if fi.Mode() != DataDirMode {
		return fmt.Errorf("DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
	}
	return nil
}
