// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"fmt"
	"strings"

	"github.com/awalterschulze/gographviz"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/certfleet/certfleet/utils"
)

const trustGraphName = "trust"

// ExportDOT renders the trust store as a directed graph: one node per
// certificate, an edge from each issuing CA to the certificates it signed.
// Nodes are shaded by validity, green for healthy, orange for expiring soon
// and red for expired or unparseable material.
func (t *TrustStore) ExportDOT() (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName(trustGraphName); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}

	nodes := t.Contents()

	// stable node order so regenerated graphs diff cleanly
	ips := maps.Keys(nodes)
	slices.Sort(ips)

	for _, ip := range ips {
		info := nodes[ip]

		for i := range info.Certificates {
			c := &info.Certificates[i]

			attr := map[string]string{
				"style":     "filled",
				"fillcolor": t.nodeColor(c),
				"label":     quote(fmt.Sprintf("%s\\n%s", c.Subject, ip)),
			}
			if c.IsCA {
				attr["shape"] = "box"
			}

			if err := g.AddNode(trustGraphName, certNodeID(ip, c), attr); err != nil {
				return "", err
			}
		}

		for i := range info.Certificates {
			c := &info.Certificates[i]
			if c.IsCA && c.Subject == c.Issuer {
				continue
			}

			ca := t.findIssuingCA(c.Issuer, info.Certificates)
			if ca == nil {
				continue
			}

			caIP := ip
			if owner := t.ownerOf(ca); owner != "" {
				caIP = owner
			}

			if err := g.AddEdge(certNodeID(caIP, ca), certNodeID(ip, c), true, nil); err != nil {
				return "", err
			}
		}
	}

	return g.String(), nil
}

// WriteDOT exports the trust graph into a file at path.
func (t *TrustStore) WriteDOT(path string) error {
	dot, err := t.ExportDOT()
	if err != nil {
		return err
	}

	if err := utils.CreateFile(path, dot); err != nil {
		return err
	}

	log.Infof("created trust graph %s", path)

	return nil
}

func (t *TrustStore) nodeColor(c *CertificateInfo) string {
	now := t.now()

	switch {
	case c.VerificationError != "":
		return "red"
	case !c.NotAfter.After(now):
		return "red"
	case c.NotAfter.Sub(now) < expiryWarningWindow:
		return "orange"
	default:
		return "green"
	}
}

// ownerOf locates the node a certificate was discovered on, matching by
// fingerprint.
func (t *TrustStore) ownerOf(c *CertificateInfo) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for ip, info := range t.nodes {
		for i := range info.Certificates {
			if info.Certificates[i].Fingerprint == c.Fingerprint {
				return ip
			}
		}
	}

	return ""
}

// certNodeID builds a stable, quoted graph identifier from the host and the
// certificate fingerprint.
func certNodeID(ip string, c *CertificateInfo) string {
	fp := strings.ToLower(strings.ReplaceAll(c.Fingerprint, ":", ""))
	if len(fp) > 12 {
		fp = fp[:12]
	}

	return quote(ip + "/" + fp)
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
