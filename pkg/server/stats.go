// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/n0ot/rangerd/pkg/registry"
)

// StatsResponse is served by the stats endpoint.
type StatsResponse struct {
	registry.Stats
	Devices []DeviceStats `json:"devices"`
	State   string        `json:"state"`
}

// DeviceStats describes one registered device.
type DeviceStats struct {
	Identity   string    `json:"identity"`
	Index      int       `json:"index"`
	Addr       string    `json:"addr,omitempty"`
	Host       string    `json:"host,omitempty"` // Only with ResolveHosts
	LastSeen   time.Time `json:"last_seen,omitempty"`
	LastReport string    `json:"last_report,omitempty"`
}

// connInfo is implemented by channels backed by a network connection.
type connInfo interface {
	RemoteAddr() net.Addr
	LastSeen() time.Time
}

// Stats gets stats for this server.
func (srv *Server) Stats() StatsResponse {
	resp := StatsResponse{
		Stats: srv.Registry.Stats(),
	}
	for i, b := range srv.Registry.Bindings() {
		ds := DeviceStats{
			Identity:   b.Identity,
			Index:      i,
			LastReport: b.LastReport,
		}
		if info, ok := b.Channel.(connInfo); ok {
			ds.Addr = info.RemoteAddr().String()
			ds.LastSeen = info.LastSeen()
			if srv.ResolveHosts {
				ds.Host = hostFromAddrIfPossible(info.RemoteAddr())
			}
		}
		resp.Devices = append(resp.Devices, ds)
	}
	if srv.Coordinator != nil {
		resp.State = srv.Coordinator.State().String()
	}
	return resp
}

// StatsHandler serves Stats as JSON.
// If password is set, requests must carry it as a bearer token.
func (srv *Server) StatsHandler(password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if password != "" {
			given := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(given), []byte(password)) != 1 {
				http.Error(w, "invalid stats password", http.StatusUnauthorized)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(srv.Stats()); err != nil {
			srv.logger().WithField("error", err).Warn("Cannot encode stats")
		}
	})
}
