// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package metrics

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/certfleet/certfleet/exec"
)

const etcdStatusJSON = `[{"Endpoint":"127.0.0.1:2379","Status":{"header":{"cluster_id":1,"member_id":2,"revision":3,"raft_term":4},"version":"3.5.6","dbSize":4935680,"leader":2,"raftIndex":10,"raftTerm":4}}]`

// fakeRunner scripts the etcdctl response.
type fakeRunner struct {
	calls  [][]string
	stdout string
	rc     int
	stderr string
}

func (f *fakeRunner) Run(_ context.Context, cmd *exec.ExecCmd) (*exec.ExecResult, error) {
	f.calls = append(f.calls, append([]string(nil), cmd.GetCmd()...))

	res := exec.NewExecResult(cmd)
	res.Stdout = exec.Stdout(f.stdout)
	res.ReturnCode = f.rc
	res.Stderr = f.stderr

	return res, nil
}

func TestCollectEtcd(t *testing.T) {
	runner := &fakeRunner{stdout: etcdStatusJSON}
	c := NewCollector(true, "/root/.kube/config", runner)

	got := c.CollectEtcd(context.Background())
	if got == nil {
		t.Fatal("CollectEtcd() = nil with collection enabled")
	}

	// 4935680 bytes floors to 4 MB
	want := &EtcdMetrics{DBSize: "4 MB"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CollectEtcd() mismatch (-want +got):\n%s", diff)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("runner saw %d commands, want 1", len(runner.calls))
	}

	wantArgv := []string{
		"kubectl", "--kubeconfig", "/root/.kube/config",
		"exec", "-n", "kube-system", "etcd-0", "--",
		"etcdctl", "endpoint", "status", "--write-out=json",
	}
	if diff := cmp.Diff(wantArgv, runner.calls[0]); diff != "" {
		t.Errorf("etcdctl argv mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectEtcdFailure(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
	}{
		{"command fails", &fakeRunner{rc: 1, stderr: "connection refused"}},
		{"garbage output", &fakeRunner{stdout: "not json"}},
		{"no endpoints", &fakeRunner{stdout: "[]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(true, "/root/.kube/config", tt.runner)

			got := c.CollectEtcd(context.Background())
			if got == nil {
				t.Fatal("CollectEtcd() = nil, want defaults")
			}
			if got.DBSize != "Unknown" {
				t.Errorf("DBSize = %q, want Unknown", got.DBSize)
			}
		})
	}
}

func TestCollectDisabled(t *testing.T) {
	runner := &fakeRunner{stdout: etcdStatusJSON}
	c := NewCollector(false, "", runner)

	if c.CollectEtcd(context.Background()) != nil {
		t.Error("CollectEtcd() ran while disabled")
	}
	if c.CollectAPIServer(context.Background()) != nil {
		t.Error("CollectAPIServer() ran while disabled")
	}
	if c.CollectScheduler(context.Background()) != nil {
		t.Error("CollectScheduler() ran while disabled")
	}
	if c.Collect(context.Background()) != nil {
		t.Error("Collect() ran while disabled")
	}

	if len(runner.calls) != 0 {
		t.Errorf("disabled collector still ran %d commands", len(runner.calls))
	}
}

func TestCollectBundle(t *testing.T) {
	runner := &fakeRunner{stdout: etcdStatusJSON}
	c := NewCollector(true, "/root/.kube/config", runner)

	got := c.Collect(context.Background())
	if got == nil {
		t.Fatal("Collect() = nil with collection enabled")
	}

	if got.Etcd == nil || got.Etcd.DBSize != "4 MB" {
		t.Errorf("etcd metrics = %+v, want 4 MB", got.Etcd)
	}
	if got.APIServer == nil || got.APIServer.Goroutines == 0 {
		t.Errorf("api server metrics = %+v, want placeholder figures", got.APIServer)
	}
	if got.Scheduler == nil || got.Scheduler.ActiveWorkers == 0 {
		t.Errorf("scheduler metrics = %+v, want placeholder figures", got.Scheduler)
	}
}

func TestCollectAPIServerSurvivesProbeFailure(t *testing.T) {
	c := NewCollector(true, "/root/.kube/config", &fakeRunner{rc: 1, stderr: "no route to host"})

	got := c.CollectAPIServer(context.Background())
	if got == nil {
		t.Fatal("CollectAPIServer() = nil on probe failure, want placeholders")
	}
	if got.RequestLatencyMs == 0 {
		t.Error("placeholder latency missing")
	}
}

func TestCollectHost(t *testing.T) {
	got := CollectHost()
	if got == nil {
		t.Fatal("CollectHost() = nil")
	}

	// figures come straight from the kernel, only sanity bounds apply
	if got.MemoryTotal > 0 && got.MemoryUsed > got.MemoryTotal {
		t.Errorf("memory used %d exceeds total %d", got.MemoryUsed, got.MemoryTotal)
	}
	if got.Load1 < 0 {
		t.Errorf("negative load average %f", got.Load1)
	}
}
