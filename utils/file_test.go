// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConcatFiles(t *testing.T) {
	type args struct {
		srcs map[string]string // filename -> content
		ord  []string          // concatenation order
	}
	tests := []struct {
		name    string
		args    args
		want    string
		wantErr bool
	}{
		{
			name: "root first then intermediate",
			args: args{
				srcs: map[string]string{
					"root.crt": "-----BEGIN CERTIFICATE-----\nroot\n-----END CERTIFICATE-----\n",
					"ca.crt":   "-----BEGIN CERTIFICATE-----\nintermediate\n-----END CERTIFICATE-----\n",
				},
				ord: []string{"root.crt", "ca.crt"},
			},
			want: "-----BEGIN CERTIFICATE-----\nroot\n-----END CERTIFICATE-----\n" +
				"-----BEGIN CERTIFICATE-----\nintermediate\n-----END CERTIFICATE-----\n",
		},
		{
			name: "missing trailing newline gets one",
			args: args{
				srcs: map[string]string{
					"a.crt": "AAA",
					"b.crt": "BBB",
				},
				ord: []string{"a.crt", "b.crt"},
			},
			want: "AAA\nBBB\n",
		},
		{
			name: "missing source errors",
			args: args{
				srcs: map[string]string{},
				ord:  []string{"nope.crt"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.args.srcs {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			var srcs []string
			for _, name := range tt.args.ord {
				srcs = append(srcs, filepath.Join(dir, name))
			}

			dst := filepath.Join(dir, "chain.crt")
			err := ConcatFiles(dst, srcs...)
			if (err != nil) != tt.wantErr {
				t.Errorf("ConcatFiles() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			got, err := os.ReadFile(dst)
			if err != nil {
				t.Fatal(err)
			}
			if d := cmp.Diff(string(got), tt.want); d != "" {
				t.Errorf("ConcatFiles() diff = %s", d)
			}
		})
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	if err := CreateFile(present, "x"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{
			name: "existing file",
			path: present,
			want: true,
		},
		{
			name: "missing file",
			path: filepath.Join(dir, "absent.txt"),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileExists(tt.path); got != tt.want {
				t.Errorf("FileExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateFileAppendsNewline(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "serial")
	if err := CreateFile(f, "01"); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "01\n" {
		t.Errorf("got: %q, want: %q", string(got), "01\n")
	}
}
