package introducer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

// Server exposes a Registry over HTTP (unary RPCs via gorilla/mux) and
// WebSocket (long-poll rendezvous RPCs via gorilla/websocket).
type Server struct {
	router   *mux.Router
	registry *Registry
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires every introducer RPC in SPEC_FULL.md's external
// interface table onto a mux.Router.
func NewServer(reg *Registry) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/rpc").Subrouter()

	api.HandleFunc("/register_client", s.handleRegisterClient).Methods("POST")
	api.HandleFunc("/update_registered_peer_id", s.handleUpdateRegisteredPeerId).Methods("POST")
	api.HandleFunc("/advertise", s.handleAdvertise).Methods("POST")
	api.HandleFunc("/get_file_peer_list", s.handleGetFilePeerList).Methods("POST")
	api.HandleFunc("/get_all_files", s.handleGetAllFiles).Methods("GET")
	api.HandleFunc("/delete_file", s.handleDeleteFile).Methods("POST")
	api.HandleFunc("/delist_client", s.handleDelistClient).Methods("POST")
	api.HandleFunc("/send_file_request", s.handleSendFileRequest).Methods("POST")
	api.HandleFunc("/init_punch", s.handleInitPunch).Methods("POST")
	api.HandleFunc("/send_cert", s.handleSendCert).Methods("POST")

	// Long-poll/streaming rendezvous RPCs ride a persistent duplex
	// connection instead of request/response polling.
	s.router.HandleFunc("/ws/seed", s.handleSeedWS)
	s.router.HandleFunc("/ws/await_hole_punch_trigger", s.handleAwaitHolePunchWS)
	s.router.HandleFunc("/ws/get_cert", s.handleGetCertWS)
	s.router.HandleFunc("/ws/turn", s.handleTurnWS)
}

// ListenAndServe binds addr and serves until the process is stopped.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	dataplane.Log("[introducer] listening on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// peerIdDTO is the wire form of peerid.PeerId: JSON clients speak
// dotted-quad strings, not packed integers.
type peerIdDTO struct {
	PubIP    string `json:"pub_ip"`
	PubPort  int    `json:"pub_port"`
	PrivIP   string `json:"priv_ip"`
	PrivPort int    `json:"priv_port"`
}

func toDTO(p peerid.PeerId) peerIdDTO {
	pub, priv := p.PubAddr(), p.PrivAddr()
	pubIP, pubPort := splitAddr(pub)
	privIP, privPort := splitAddr(priv)
	return peerIdDTO{PubIP: pubIP, PubPort: pubPort, PrivIP: privIP, PrivPort: privPort}
}

func splitAddr(addr string) (string, int) {
	ip, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return ip, port
}

func (d peerIdDTO) toPeerId() (peerid.PeerId, error) {
	return peerid.New(d.PubIP, d.PubPort, d.PrivIP, d.PrivPort)
}

// observedPublicIP returns the address the introducer actually saw the
// request arrive from, preferring a reverse-proxy header over the raw
// connection's remote address. A peer's self-reported public IP is
// trustworthy for STUN-style discovery only if the introducer confirms
// it; callers overwrite the DTO's pub_ip with this value rather than
// trusting whatever the peer claims.
func observedPublicIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	id := s.registry.RegisterClient()
	respondJSON(w, http.StatusOK, map[string]string{"client_id": string(id)})
}

func (s *Server) handleUpdateRegisteredPeerId(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string    `json:"client_id"`
		PeerID   peerIdDTO `json:"peer_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.PeerID.PubIP = observedPublicIP(r)
	peer, err := req.PeerID.toPeerId()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.registry.UpdateRegisteredPeerId(ClientId(req.ClientID), peer); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type infoHashDTO struct {
	Name        string   `json:"name"`
	FileLength  uint64   `json:"file_length"`
	PieceLength uint32   `json:"piece_length"`
	Pieces      []string `json:"pieces"`
}

func toInfoHashDTO(ih filestore.InfoHash) infoHashDTO {
	pieces := make([]string, len(ih.Pieces))
	for i, p := range ih.Pieces {
		pieces[i] = fmt.Sprintf("%x", p[:])
	}
	return infoHashDTO{Name: ih.Name, FileLength: ih.FileLength, PieceLength: ih.PieceLength, Pieces: pieces}
}

func (d infoHashDTO) toInfoHash() (filestore.InfoHash, error) {
	pieces := make([][filestore.HashSize]byte, len(d.Pieces))
	for i, p := range d.Pieces {
		fh, err := filestore.ParseFileHash(p)
		if err != nil {
			return filestore.InfoHash{}, err
		}
		pieces[i] = fh
	}
	return filestore.InfoHash{Name: d.Name, FileLength: d.FileLength, PieceLength: d.PieceLength, Pieces: pieces}, nil
}

func (s *Server) handleAdvertise(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string      `json:"client_id"`
		InfoHash infoHashDTO `json:"info_hash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := req.InfoHash.toInfoHash()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	fh := info.FileHash()
	s.registry.Advertise(ClientId(req.ClientID), fh, info)
	respondJSON(w, http.StatusOK, map[string]string{"client_id": req.ClientID, "file_hash": fh.String()})
}

func (s *Server) handleGetFilePeerList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileHash string `json:"file_hash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	fh, err := filestore.ParseFileHash(req.FileHash)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	peers := s.registry.GetFilePeerList(fh)
	dtos := make([]peerIdDTO, len(peers))
	for i, p := range peers {
		dtos[i] = toDTO(p)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"peers": dtos})
}

func (s *Server) handleGetAllFiles(w http.ResponseWriter, r *http.Request) {
	files := s.registry.GetAllFiles()
	dtos := make([]infoHashDTO, len(files))
	for i, f := range files {
		dtos[i] = toInfoHashDTO(f)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"files": dtos})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		FileHash string `json:"file_hash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	fh, err := filestore.ParseFileHash(req.FileHash)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.registry.DeleteFile(ClientId(req.ClientID), fh)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelistClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.registry.DelistClient(ClientId(req.ClientID))
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSendFileRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerOfSeeder peerIdDTO `json:"peer_of_seeder"`
		Self         peerIdDTO `json:"self"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	seeder, err := req.PeerOfSeeder.toPeerId()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	self, err := req.Self.toPeerId()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.registry.SendFileRequest(seeder, self); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInitPunch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerID peerIdDTO `json:"peer_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	peer, err := req.PeerID.toPeerId()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.registry.InitPunch(peer); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSendCert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerID   peerIdDTO `json:"peer_id"`
		CertB64  string    `json:"cert"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	peer, err := req.PeerID.toPeerId()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.registry.SendCert(peer, []byte(req.CertB64)); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSeedWS upgrades to a websocket connection, parks the caller in
// Seed, and writes the waking leecher's endpoint once resolved.
func (s *Server) handleSeedWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		dataplane.Log("[introducer] seed ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var self peerIdDTO
	if err := conn.ReadJSON(&self); err != nil {
		return
	}
	self.PubIP = observedPublicIP(r)
	selfPeer, err := self.toPeerId()
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	leecher, err := s.registry.Seed(ctx, selfPeer)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	conn.WriteJSON(toDTO(leecher))
}

func (s *Server) handleAwaitHolePunchWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		dataplane.Log("[introducer] await hole punch ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var self peerIdDTO
	if err := conn.ReadJSON(&self); err != nil {
		return
	}
	self.PubIP = observedPublicIP(r)
	selfPeer, err := self.toPeerId()
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.registry.AwaitHolePunchTrigger(ctx, selfPeer); err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	conn.WriteJSON(map[string]string{"status": "go"})
}

func (s *Server) handleGetCertWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		dataplane.Log("[introducer] get cert ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var self peerIdDTO
	if err := conn.ReadJSON(&self); err != nil {
		return
	}
	self.PubIP = observedPublicIP(r)
	selfPeer, err := self.toPeerId()
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	cert, err := s.registry.GetCert(ctx, selfPeer)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	conn.WriteJSON(map[string]string{"cert": string(cert)})
}

// handleTurnWS implements both register_turn and send_turn over one
// connection: the first frame names the session and role, then the
// connection becomes a bidirectional pump of TurnPacket frames.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		dataplane.Log("[introducer] turn ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var join struct {
		SessionID string `json:"session_id"`
		IsSeeder  bool   `json:"is_seeder"`
	}
	if err := conn.ReadJSON(&join); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	inbound, err := s.registry.RegisterTurn(ctx, join.SessionID, join.IsSeeder)
	cancel()
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	conn.WriteJSON(map[string]string{"status": "ready"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var pkt TurnPacket
			if err := conn.ReadJSON(&pkt); err != nil {
				return
			}
			if err := s.registry.SendTurn(join.SessionID, !join.IsSeeder, pkt); err != nil {
				dataplane.Log("[introducer] send_turn: %v", err)
			}
		}
	}()

	for {
		select {
		case pkt, ok := <-inbound:
			if !ok {
				return
			}
			if err := conn.WriteJSON(pkt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
