// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/certfleet/certfleet/exec"
)

// fakeRunner records every command and simulates openssl/ssh behavior well
// enough for pipeline tests: it can create the files named by -out flags,
// fail commands matching a substring, and script stdout.
type fakeRunner struct {
	calls    [][]string
	touchOut bool
	failOn   string
	errOn    string
	stdoutOn map[string]string
}

func (f *fakeRunner) Run(_ context.Context, cmd *exec.ExecCmd) (*exec.ExecResult, error) {
	argv := append([]string(nil), cmd.GetCmd()...)
	joined := strings.Join(argv, " ")
	f.calls = append(f.calls, argv)

	if f.errOn != "" && strings.Contains(joined, f.errOn) {
		return nil, errors.Errorf("spawn failed for %q", joined)
	}

	res := exec.NewExecResult(cmd)

	if f.failOn != "" && strings.Contains(joined, f.failOn) {
		res.ReturnCode = 1
		res.Stderr = "simulated failure"
		return res, nil
	}

	if f.touchOut {
		for i, a := range argv {
			if a == "-out" && i+1 < len(argv) {
				_ = os.WriteFile(argv[i+1], []byte("stub pem\n"), 0o644)
			}
		}
	}

	for sub, out := range f.stdoutOn {
		if strings.Contains(joined, sub) {
			res.Stdout = exec.Stdout(out)
		}
	}

	return res, nil
}

// commandStrings flattens recorded calls for substring assertions.
func (f *fakeRunner) commandStrings() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

// findCommand returns the first recorded command containing every given
// substring, or nil.
func (f *fakeRunner) findCommand(subs ...string) []string {
	for _, c := range f.calls {
		joined := strings.Join(c, " ")
		ok := true
		for _, s := range subs {
			if !strings.Contains(joined, s) {
				ok = false
				break
			}
		}
		if ok {
			return c
		}
	}
	return nil
}
