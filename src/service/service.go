package service

import (
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
	"github.com/veritas-net/veritas/src/node"
	"github.com/veritas-net/veritas/src/oplog"
	"github.com/veritas-net/veritas/src/peers"
	"github.com/veritas-net/veritas/src/trust"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the service's own ServeMux.
// The mux is exposed through Mux() so that an application embedding the node
// in-process can mount the API under its own server instead of calling Serve.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Veritas API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/oplog", s.makeHandler(s.GetOplog))
	s.mux.HandleFunc("/rumors", s.makeHandler(s.GetRumors))
	s.mux.HandleFunc("/rumors/", s.makeHandler(s.GetRumor))
	s.mux.HandleFunc("/users", s.makeHandler(s.GetUsers))
	s.mux.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	s.mux.HandleFunc("/trust", s.makeHandler(s.GetTrust))
	s.mux.HandleFunc("/membership/root", s.makeHandler(s.GetMembershipRoot))
	s.mux.HandleFunc("/submit", s.makeHandler(s.Submit))
	s.mux.HandleFunc("/rebuild", s.makeHandler(s.Rebuild))
	s.mux.HandleFunc("/export", s.makeHandler(s.Export))
	s.mux.HandleFunc("/import", s.makeHandler(s.Import))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Mux returns the ServeMux carrying the API handlers.
func (s *Service) Mux() *http.ServeMux {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Veritas API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	writeJSON(w, stats)
}

// GetOplog returns a slice of the operation log. The skip parameter is the
// index of the last operation the caller already has (-1 for none), and limit
// caps the number of operations returned (-1 for all).
func (s *Service) GetOplog(w http.ResponseWriter, r *http.Request) {
	skip := -1
	limit := -1

	if p := r.URL.Query().Get("skip"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		skip = v
	}

	if p := r.URL.Query().Get("limit"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit = v
	}

	ops, err := s.node.Core().Materializer().Log().Operations(skip, limit)
	if err != nil {
		s.logger.WithError(err).Error("Reading operation log")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, ops)
}

// GetRumors ...
func (s *Service) GetRumors(w http.ResponseWriter, r *http.Request) {
	state := s.node.Core().State()

	writeJSON(w, state.Rumors)
}

// RumorDetails bundles a rumor with its votes, tombstone, finalization
// record, and settlement status.
type RumorDetails struct {
	Rumor     *oplog.Rumor
	Votes     []*oplog.Vote
	Tombstone *oplog.TombstoneRecord
	Finalized *trust.FinalizedRumor
	Settled   bool
}

// GetRumor ...
func (s *Service) GetRumor(w http.ResponseWriter, r *http.Request) {
	rumorID := r.URL.Path[len("/rumors/"):]

	core := s.node.Core()
	state := core.State()

	rumor, ok := state.Rumors[rumorID]
	if !ok {
		http.Error(w, "rumor not found", http.StatusNotFound)
		return
	}

	details := RumorDetails{
		Rumor:     rumor,
		Votes:     state.RumorVotes(rumorID),
		Tombstone: state.Tombstones[rumorID],
		Finalized: core.Finalized(rumorID),
		Settled:   core.Ledger().Settled(rumorID),
	}

	writeJSON(w, details)
}

// GetUsers ...
func (s *Service) GetUsers(w http.ResponseWriter, r *http.Request) {
	state := s.node.Core().State()

	writeJSON(w, state.Users)
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	returnPeerSet(w, r, s.node.GetPeers())
}

// GetTrust ...
func (s *Service) GetTrust(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Core().TrustScores())
}

// MembershipInfo carries the accumulator root along with its recent history
// and member count.
type MembershipInfo struct {
	Root    string
	Size    int
	History []string
}

// GetMembershipRoot ...
func (s *Service) GetMembershipRoot(w http.ResponseWriter, r *http.Request) {
	acc := s.node.Core().Accumulator()

	writeJSON(w, MembershipInfo{
		Root:    acc.Root(),
		Size:    acc.Size(),
		History: acc.RootHistory(10),
	})
}

// SubmitResponse ...
type SubmitResponse struct {
	Index int
	Hash  string
}

// Submit decodes an operation from the request body, signs it with the
// node's key, and appends it to the log.
func (s *Service) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var op oplog.Operation
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewDecoder(r.Body, jh).Decode(&op); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	index, err := s.node.Submit(&op)
	if err != nil {
		s.logger.WithError(err).Error("Submitting operation")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	hash, _ := op.Hash()

	writeJSON(w, SubmitResponse{Index: index, Hash: hex.EncodeToString(hash)})
}

// Rebuild discards the materialized view and replays the full operation log.
func (s *Service) Rebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := s.node.Core().Materializer().Rebuild()
	if err != nil {
		s.logger.WithError(err).Error("Rebuilding state")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, res)
}

// Export returns the full operation log as a portable JSON document.
func (s *Service) Export(w http.ResponseWriter, r *http.Request) {
	data, err := s.node.Core().Materializer().Export()
	if err != nil {
		s.logger.WithError(err).Error("Exporting operation log")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Import replaces the local log with an exported payload and rebuilds the
// projection by replay.
func (s *Service) Import(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.node.Core().ImportLog(data)
	if err != nil {
		s.logger.WithError(err).Error("Importing operation log")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}

func returnPeerSet(w http.ResponseWriter, r *http.Request, peers []*peers.Peer) {
	writeJSON(w, peers)
}
