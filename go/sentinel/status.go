// Copyright 2025 The PgSentinel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentinel

import (
	"gopkg.in/yaml.v3"

	"github.com/pgsentinel/pgsentinel/go/sentinel/nodeclient"
)

// Status is a point-in-time snapshot of the daemon for logs and
// diagnostics.
type Status struct {
	NodeID        int    `yaml:"node"`
	ClusterName   string `yaml:"cluster_name"`
	FailoverMode  string `yaml:"failover"`
	PrimaryNodeID int    `yaml:"primary_node"`
	PrimaryState  string `yaml:"primary_state"`
	Ticks         int64  `yaml:"ticks"`
	TickErrors    int64  `yaml:"tick_errors"`
}

// Status captures the daemon's current view. Safe to call only from the
// tick goroutine or after Run returns; the daemon is single-threaded.
func (d *Daemon) Status() Status {
	s := Status{
		NodeID:       d.cfg.NodeID,
		ClusterName:  d.cfg.ClusterName,
		FailoverMode: string(d.cfg.Failover),
		PrimaryState: nodeclient.StatusBroken.String(),
	}
	if d.reporter != nil {
		s.Ticks = d.reporter.Ticks()
		s.TickErrors = d.reporter.TickErrors()
	}
	if d.sup != nil && d.sup.Binding() != nil {
		s.PrimaryNodeID = d.sup.Binding().NodeID
		s.PrimaryState = d.sup.Binding().Conn.Status().String()
	}
	return s
}

// String renders the snapshot as YAML.
func (s Status) String() string {
	out, err := yaml.Marshal(s)
	if err != nil {
		return ""
	}
	return string(out)
}
