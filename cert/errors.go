// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import "fmt"

// Stage names the pipeline step a generation error originated from.
type Stage string

const (
	StageKey    Stage = "key"
	StageCSR    Stage = "csr"
	StageSign   Stage = "sign"
	StageVerify Stage = "verify"
	StageChain  Stage = "chain"
)

// GenerationError reports a failed step of the openssl pipeline for one
// certificate.
type GenerationError struct {
	Stage Stage
	Name  string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("certificate %q: %s stage failed: %v", e.Name, e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// DistributionError reports a failed transfer of one artifact to one host.
// Stderr carries the remote side's output for operator diagnosis.
type DistributionError struct {
	Host   string
	Path   string
	Stderr string
	Err    error
}

func (e *DistributionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("host %s: transfer of %s failed: %v: %s", e.Host, e.Path, e.Err, e.Stderr)
	}
	return fmt.Sprintf("host %s: transfer of %s failed: %v", e.Host, e.Path, e.Err)
}

func (e *DistributionError) Unwrap() error { return e.Err }

// VerificationError reports a certificate that failed integrity or chain
// validation.
type VerificationError struct {
	Name   string
	Detail string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("certificate %q failed verification: %s", e.Name, e.Detail)
}
