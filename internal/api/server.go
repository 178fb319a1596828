// Package api serves the capture over HTTP: JSON views of the device
// tree and row models, and a websocket stream of incremental row
// diffs as the capture grows.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"usblens/internal/capture"
	"usblens/internal/descriptor"
	"usblens/internal/view"
)

// Server owns the reader-side view models. View models are not safe
// for concurrent use, so one mutex guards them for HTTP handlers and
// the growth poller alike.
type Server struct {
	store   *capture.Store
	devices *descriptor.Engine

	mu     sync.Mutex
	models map[string]*view.Model

	hub *Hub
}

// NewServer creates the server and its view models.
func NewServer(store *capture.Store, devices *descriptor.Engine) *Server {
	s := &Server{
		store:   store,
		devices: devices,
		models: map[string]*view.Model{
			"hierarchy":    view.NewHierarchy(store),
			"transactions": view.NewTransactions(store),
			"packets":      view.NewPackets(store),
		},
		hub: NewHub(),
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/summary", s.handleSummary).Methods("GET")
	r.HandleFunc("/api/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/api/view/{name}/rows", s.handleRows).Methods("GET")
	r.HandleFunc("/api/view/{name}/expand", s.handleExpand).Methods("POST")
	r.HandleFunc("/api/view/{name}/collapse", s.handleCollapse).Methods("POST")
	r.HandleFunc("/ws", s.hub.HandleWS)
	return r
}

// Run serves until the listener fails and polls for capture growth.
func (s *Server) Run(addr string) error {
	go s.hub.Run()
	go s.pollGrowth()
	log.Printf("API listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

// pollGrowth pushes row diffs to websocket clients while the capture
// grows.
func (s *Server) pollGrowth() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		type update struct {
			View     string      `json:"view"`
			RowCount uint64      `json:"rowCount"`
			Diffs    []view.Diff `json:"diffs"`
		}
		var updates []update
		for name, m := range s.models {
			diffs := m.OnCaptureGrown()
			if len(diffs) > 0 {
				updates = append(updates, update{View: name, RowCount: m.RowCount(), Diffs: diffs})
			}
		}
		s.mu.Unlock()
		for _, u := range updates {
			payload, err := json.Marshal(u)
			if err != nil {
				continue
			}
			s.hub.Broadcast(WSMessage{Type: "rows_inserted", Payload: payload})
		}
	}
}

type summaryResponse struct {
	Packets      uint64 `json:"packets"`
	Transactions uint64 `json:"transactions"`
	Groups       uint64 `json:"groups"`
	Devices      uint64 `json:"devices"`
	Endpoints    uint64 `json:"endpoints"`
	Complete     bool   `json:"complete"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	snap := s.store.TakeSnapshot()
	writeJSON(w, summaryResponse{
		Packets:      snap.Packets,
		Transactions: snap.Transactions,
		Groups:       snap.Items,
		Devices:      snap.Devices,
		Endpoints:    snap.Endpoints,
		Complete:     snap.Complete,
	})
}

type deviceResponse struct {
	Address        uint8            `json:"address"`
	Description    string           `json:"description"`
	VendorID       *uint16          `json:"vendorId,omitempty"`
	ProductID      *uint16          `json:"productId,omitempty"`
	Configurations []configResponse `json:"configurations"`
	Strings        map[uint8]string `json:"strings,omitempty"`
}

type configResponse struct {
	Value      uint16          `json:"value"`
	Active     bool            `json:"active"`
	Interfaces []ifaceResponse `json:"interfaces"`
}

type ifaceResponse struct {
	Number    uint8   `json:"number"`
	Alternate uint8   `json:"alternate"`
	Active    bool    `json:"active"`
	Class     uint8   `json:"class"`
	Endpoints []uint8 `json:"endpoints"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	var out []deviceResponse
	for _, dev := range s.devices.Snapshot() {
		resp := deviceResponse{
			Address:     dev.Address,
			Description: dev.Describe(),
			Strings:     dev.Strings,
		}
		if dev.Descriptor != nil {
			vid, pid := dev.Descriptor.VendorID, dev.Descriptor.ProductID
			resp.VendorID, resp.ProductID = &vid, &pid
		}
		for value, cfg := range dev.Configurations {
			cr := configResponse{
				Value:  uint16(value),
				Active: dev.ConfigSet && dev.ActiveConfig == value,
			}
			for i := range cfg.Interfaces {
				iface := &cfg.Interfaces[i]
				num := iface.Descriptor.InterfaceNumber
				ir := ifaceResponse{
					Number:    num,
					Alternate: iface.Descriptor.AlternateSetting,
					Active:    dev.InterfaceAlts[num] == iface.Descriptor.AlternateSetting,
					Class:     iface.Descriptor.InterfaceClass,
				}
				for _, ep := range iface.Endpoints {
					ir.Endpoints = append(ir.Endpoints, ep.Descriptor.EndpointAddr)
				}
				cr.Interfaces = append(cr.Interfaces, ir)
			}
			resp.Configurations = append(resp.Configurations, cr)
		}
		out = append(out, resp)
	}
	writeJSON(w, out)
}

type rowResponse struct {
	Index       uint64 `json:"index"`
	Depth       int    `json:"depth"`
	Text        string `json:"text"`
	TimestampNs uint64 `json:"timestampNs"`
	Expandable  bool   `json:"expandable"`
	Expanded    bool   `json:"expanded"`
	ChildCount  uint64 `json:"childCount"`
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	m, ok := s.model(r)
	if !ok {
		http.Error(w, "unknown view", http.StatusNotFound)
		return
	}
	start := queryUint(r, "start", 0)
	count := queryUint(r, "count", 100)
	if count > 1000 {
		count = 1000
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	total := m.RowCount()
	rows := make([]rowResponse, 0, count)
	for i := start; i < start+count && i < total; i++ {
		row, err := m.RowAt(i)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rows = append(rows, rowResponse{
			Index:       i,
			Depth:       row.Depth,
			Text:        row.Text,
			TimestampNs: row.TimestampNs,
			Expandable:  row.Expandable,
			Expanded:    row.Expanded,
			ChildCount:  row.ChildCount,
		})
	}
	writeJSON(w, map[string]any{"rowCount": total, "rows": rows})
}

type expandRequest struct {
	Row uint64 `json:"row"`
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	s.toggleRow(w, r, true)
}

func (s *Server) handleCollapse(w http.ResponseWriter, r *http.Request) {
	s.toggleRow(w, r, false)
}

func (s *Server) toggleRow(w http.ResponseWriter, r *http.Request, expand bool) {
	m, ok := s.model(r)
	if !ok {
		http.Error(w, "unknown view", http.StatusNotFound)
		return
	}
	var req expandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if expand {
		err = m.Expand(req.Row)
	} else {
		err = m.Collapse(req.Row)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"rowCount": m.RowCount()})
}

func (s *Server) model(r *http.Request) (*view.Model, bool) {
	name := mux.Vars(r)["name"]
	m, ok := s.models[name]
	return m, ok
}

func queryUint(r *http.Request, key string, def uint64) uint64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
