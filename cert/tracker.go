// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/certfleet/certfleet/utils"
)

// UnixTime persists as integer epoch seconds. The on-disk ledger format
// predates this implementation and keeps that representation.
type UnixTime struct {
	time.Time
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func (t *UnixTime) UnmarshalJSON(b []byte) error {
	secs, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.Wrap(err, "ledger timestamp")
	}

	t.Time = time.Unix(secs, 0).UTC()

	return nil
}

// Record is one ledger entry: a generated artifact, where it lives locally,
// which hosts receive it and how far along its lifecycle it is. Optional
// fields serialize as null rather than being omitted.
type Record struct {
	Type         string     `json:"cert_type"`
	Generated    UnixTime   `json:"generated"`
	Distributed  *UnixTime  `json:"distributed"`
	Path         string     `json:"path"`
	Hosts        []string   `json:"hosts"`
	Verified     *bool      `json:"verified"`
	LastVerified *UnixTime  `json:"last_verified"`
	LocalOnly    bool       `json:"local_only,omitempty"`
}

// Tracker is the certificate lifecycle ledger. It is not safe for concurrent
// use; callers serialize access.
type Tracker struct {
	Certificates []*Record `json:"certificates"`
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Get returns the record for a logical name, or nil.
func (t *Tracker) Get(name string) *Record {
	for _, r := range t.Certificates {
		if r.Type == name {
			return r
		}
	}
	return nil
}

// Upsert records a (re)generated artifact. An existing record keeps its
// verification history but loses its distribution timestamp, since the bytes
// on remote hosts no longer match the local ones.
func (t *Tracker) Upsert(name, path string, hosts []string) {
	now := UnixTime{time.Now().UTC()}

	if r := t.Get(name); r != nil {
		r.Generated = now
		r.Distributed = nil
		r.Path = path
		r.Hosts = hosts
		r.LocalOnly = localOnly(name)
		return
	}

	t.Certificates = append(t.Certificates, &Record{
		Type:      name,
		Generated: now,
		Path:      path,
		Hosts:     hosts,
		LocalOnly: localOnly(name),
	})
}

// Clone returns a deep copy detached from the original's records, so a
// pipeline can mutate its own ledger view and commit it back when done.
func (t *Tracker) Clone() *Tracker {
	c := &Tracker{Certificates: make([]*Record, 0, len(t.Certificates))}

	for _, r := range t.Certificates {
		cp := *r
		cp.Hosts = append([]string(nil), r.Hosts...)
		if r.Distributed != nil {
			d := *r.Distributed
			cp.Distributed = &d
		}
		if r.Verified != nil {
			v := *r.Verified
			cp.Verified = &v
		}
		if r.LastVerified != nil {
			lv := *r.LastVerified
			cp.LastVerified = &lv
		}
		c.Certificates = append(c.Certificates, &cp)
	}

	return c
}

// MarkVerified sets the verification outcome of a record. Unknown names are
// ignored.
func (t *Tracker) MarkVerified(name string, ok bool) {
	r := t.Get(name)
	if r == nil {
		return
	}

	r.Verified = &ok
	r.LastVerified = &UnixTime{time.Now().UTC()}
}

// MarkDistributed stamps a record as delivered to all its hosts. Unknown
// names are ignored.
func (t *Tracker) MarkDistributed(name string) {
	r := t.Get(name)
	if r == nil {
		return
	}

	r.Distributed = &UnixTime{time.Now().UTC()}
}

// PendingDistribution returns the records that still need to reach remote
// hosts: never distributed and not local-only.
func (t *Tracker) PendingDistribution() []*Record {
	var pending []*Record

	for _, r := range t.Certificates {
		if r.Distributed == nil && !r.LocalOnly {
			pending = append(pending, r)
		}
	}

	return pending
}

// localOnly reports whether an artifact never leaves the orchestration host.
// The root CA material stays on the orchestration host; only the
// intermediate's bundle carries its public half to the cluster.
func localOnly(name string) bool {
	return strings.Contains(name, RootCAName)
}

// normalize backfills the local-only flag on records written by older
// versions that filtered by name instead.
func (t *Tracker) normalize() {
	for _, r := range t.Certificates {
		if localOnly(r.Type) {
			r.LocalOnly = true
		}
	}
}

// Load replaces the tracker contents from path. A missing file leaves the
// tracker empty and is not an error.
func (t *Tracker) Load(path string) error {
	if !utils.FileExists(path) {
		t.Certificates = nil
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read ledger %s", path)
	}

	var loaded Tracker
	if err := json.Unmarshal(data, &loaded); err != nil {
		return errors.Wrapf(err, "failed to parse ledger %s", path)
	}

	t.Certificates = loaded.Certificates
	t.normalize()

	return nil
}

// Save writes the tracker to path, pretty printed for operator inspection.
func (t *Tracker) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
