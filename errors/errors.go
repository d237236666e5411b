// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package errors

import "errors"

// ErrFileNotFound is returned when a file is not found.
var ErrFileNotFound = errors.New("file not found")

// ErrCANotFound is returned when a signing CA's certificate or key is missing on disk.
var ErrCANotFound = errors.New("ca certificate or key not found")

// ErrConfigNotFound is returned when the cluster config file does not exist.
var ErrConfigNotFound = errors.New("cluster config not found")

// ErrControlPlaneUnreachable is returned when the control plane host fails the ssh preflight.
var ErrControlPlaneUnreachable = errors.New("control plane host unreachable")

// ErrUnknownRoute is returned when an explicitly requested logical name has no distribution routes.
var ErrUnknownRoute = errors.New("no distribution routes for name")

// ErrIncorrectInput is returned when the user input is incorrect.
var ErrIncorrectInput = errors.New("incorrect input")
