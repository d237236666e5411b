// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	osexec "os/exec"
	"strings"

	"github.com/google/shlex"
	log "github.com/sirupsen/logrus"
)

// ErrEmptyCmd is returned when an empty command is submitted for execution.
var ErrEmptyCmd = errors.New("empty command")

// ExecCmd represents a host command to execute.
type ExecCmd struct {
	Cmd []string `json:"cmd"` // Cmd is a slice-based representation of a string command.
}

// NewExecCmdFromString creates ExecCmd for a string-based command.
func NewExecCmdFromString(cmd string) (*ExecCmd, error) {
	result := &ExecCmd{}
	if err := result.SetCmd(cmd); err != nil {
		return nil, err
	}
	return result, nil
}

// NewExecCmdFromSlice creates ExecCmd for a command represented as a slice of strings.
func NewExecCmdFromSlice(cmd []string) *ExecCmd {
	return &ExecCmd{
		Cmd: cmd,
	}
}

// SetCmd sets the command that is to be executed.
func (e *ExecCmd) SetCmd(cmd string) error {
	c, err := shlex.Split(cmd)
	if err != nil {
		return err
	}
	e.Cmd = c
	return nil
}

// GetCmd returns the command that is to be executed.
func (e *ExecCmd) GetCmd() []string {
	return e.Cmd
}

// GetCmdString returns the command as a string for log output purposes.
func (e *ExecCmd) GetCmdString() string {
	return strings.Join(e.Cmd, " ")
}

// Stdout type alias for a string is an artificial type
// to allow for custom marshaling of stdout output which can be either
// a valid or non valid JSON.
// For that reason a custom MarshalJSON method is implemented to take care of both.
type Stdout string

// MarshalJSON implements a custom marshaller for a custom Stdout type.
func (s Stdout) MarshalJSON() ([]byte, error) {
	switch {
	case json.Valid([]byte(s)):
		return []byte(s), nil
	default:
		return json.Marshal(string(s))
	}
}

// ExecResult represents a result of a command execution.
type ExecResult struct {
	Cmd        []string `json:"cmd"`
	ReturnCode int      `json:"return-code"`
	Stdout     Stdout   `json:"stdout"`
	Stderr     string   `json:"stderr"`
}

// NewExecResult initializes an ExecResult for the given command.
func NewExecResult(op *ExecCmd) *ExecResult {
	return &ExecResult{Cmd: op.GetCmd()}
}

// GetCmdString returns the initially parsed cmd as a string for e.g. log output purpose.
func (e *ExecResult) GetCmdString() string {
	return strings.Join(e.Cmd, " ")
}

func (e *ExecResult) GetReturnCode() int {
	return e.ReturnCode
}

func (e *ExecResult) GetStdOutString() string {
	return string(e.Stdout)
}

func (e *ExecResult) GetStdErrString() string {
	return e.Stderr
}

// Success reports whether the command exited with return code zero.
func (e *ExecResult) Success() bool {
	return e.ReturnCode == 0
}

func (e *ExecResult) String() string {
	var s strings.Builder

	s.WriteString(fmt.Sprintf("Cmd: %s\nReturnCode: %d", e.GetCmdString(), e.ReturnCode))

	if e.Stdout != "" {
		s.WriteString(fmt.Sprintf("\nStdout: %q", e.Stdout))
	}
	if e.Stderr != "" {
		s.WriteString(fmt.Sprintf("\nStderr: %q", e.Stderr))
	}

	return s.String()
}

// Runner executes host commands. The production implementation is HostRunner;
// tests substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, cmd *ExecCmd) (*ExecResult, error)
}

// HostRunner executes commands on the local host via os/exec.
// A non-zero exit is not an error: callers inspect ExecResult.ReturnCode.
// An error is returned only when the process could not be started at all.
type HostRunner struct{}

func NewHostRunner() *HostRunner {
	return &HostRunner{}
}

func (r *HostRunner) Run(ctx context.Context, execCmd *ExecCmd) (*ExecResult, error) {
	if len(execCmd.GetCmd()) == 0 {
		return nil, ErrEmptyCmd
	}

	log.Debugf("executing command: %s", execCmd.GetCmdString())

	cmd := osexec.CommandContext(ctx, execCmd.GetCmd()[0], execCmd.GetCmd()[1:]...) // skipcq: GSC-G204

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	execResult := NewExecResult(execCmd)

	err := cmd.Run()
	if err != nil {
		var exitErr *osexec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
	}

	execResult.ReturnCode = cmd.ProcessState.ExitCode()
	execResult.Stdout = Stdout(outBuf.String())
	execResult.Stderr = errBuf.String()

	log.Debugf("executed command '%s' rc: %d", execCmd.GetCmdString(), execResult.ReturnCode)

	return execResult, nil
}
