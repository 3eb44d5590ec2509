// Package introclient is the peer-side RPC client for the introducer
// service (C3): unary calls over net/http, rendezvous calls over a
// gorilla/websocket connection, mirroring the wire DTOs the introducer
// server speaks.
package introclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introducer"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

// Client talks to one introducer instance.
type Client struct {
	httpBase string
	wsBase   string
	http     *http.Client
}

// New builds a client against an introducer reachable at addr
// (host:port, no scheme).
func New(addr string) *Client {
	return &Client{
		httpBase: "http://" + addr,
		wsBase:   "ws://" + addr,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type peerIdDTO struct {
	PubIP    string `json:"pub_ip"`
	PubPort  int    `json:"pub_port"`
	PrivIP   string `json:"priv_ip"`
	PrivPort int    `json:"priv_port"`
}

func fromPeerId(p peerid.PeerId) peerIdDTO {
	pubIP, pubPort := splitAddr(p.PubAddr())
	privIP, privPort := splitAddr(p.PrivAddr())
	return peerIdDTO{PubIP: pubIP, PubPort: pubPort, PrivIP: privIP, PrivPort: privPort}
}

func splitAddr(addr string) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, 0
	}
	var port int
	fmt.Sscanf(addr[idx+1:], "%d", &port)
	return addr[:idx], port
}

func (d peerIdDTO) toPeerId() (peerid.PeerId, error) {
	return peerid.New(d.PubIP, d.PubPort, d.PrivIP, d.PrivPort)
}

func (c *Client) postJSON(path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("introclient: marshal request: %w", err)
	}
	httpResp, err := c.http.Post(c.httpBase+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("introclient: post %s: %w", path, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 300 {
		var errBody map[string]string
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return fmt.Errorf("introclient: %s returned %d: %s", path, httpResp.StatusCode, errBody["error"])
	}
	if resp == nil {
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (c *Client) getJSON(path string, resp interface{}) error {
	httpResp, err := c.http.Get(c.httpBase + path)
	if err != nil {
		return fmt.Errorf("introclient: get %s: %w", path, err)
	}
	defer httpResp.Body.Close()
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// RegisterClient allocates a fresh ClientId.
func (c *Client) RegisterClient() (introducer.ClientId, error) {
	var resp struct {
		ClientID string `json:"client_id"`
	}
	if err := c.postJSON("/rpc/register_client", struct{}{}, &resp); err != nil {
		return "", err
	}
	return introducer.ClientId(resp.ClientID), nil
}

// UpdateRegisteredPeerId replaces the endpoint advertised for id.
func (c *Client) UpdateRegisteredPeerId(id introducer.ClientId, p peerid.PeerId) error {
	req := struct {
		ClientID string    `json:"client_id"`
		PeerID   peerIdDTO `json:"peer_id"`
	}{string(id), fromPeerId(p)}
	return c.postJSON("/rpc/update_registered_peer_id", req, nil)
}

type infoHashDTO struct {
	Name        string   `json:"name"`
	FileLength  uint64   `json:"file_length"`
	PieceLength uint32   `json:"piece_length"`
	Pieces      []string `json:"pieces"`
}

func fromInfoHash(ih filestore.InfoHash) infoHashDTO {
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

// Advertise registers self as a seeder of info.
func (c *Client) Advertise(id introducer.ClientId, info filestore.InfoHash) (filestore.FileHash, error) {
	req := struct {
		ClientID string      `json:"client_id"`
		InfoHash infoHashDTO `json:"info_hash"`
	}{string(id), fromInfoHash(info)}
	var resp struct {
		FileHash string `json:"file_hash"`
	}
	if err := c.postJSON("/rpc/advertise", req, &resp); err != nil {
		return filestore.FileHash{}, err
	}
	return filestore.ParseFileHash(resp.FileHash)
}

// GetFilePeerList resolves fh's current seeder endpoints.
func (c *Client) GetFilePeerList(fh filestore.FileHash) ([]peerid.PeerId, error) {
	req := struct {
		FileHash string `json:"file_hash"`
	}{fh.String()}
	var resp struct {
		Peers []peerIdDTO `json:"peers"`
	}
	if err := c.postJSON("/rpc/get_file_peer_list", req, &resp); err != nil {
		return nil, err
	}
	peers := make([]peerid.PeerId, 0, len(resp.Peers))
	for _, dto := range resp.Peers {
		p, err := dto.toPeerId()
		if err != nil {
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// GetAllFiles returns every file known to the introducer's catalog.
func (c *Client) GetAllFiles() ([]filestore.InfoHash, error) {
	var resp struct {
		Files []infoHashDTO `json:"files"`
	}
	if err := c.getJSON("/rpc/get_all_files", &resp); err != nil {
		return nil, err
	}
	files := make([]filestore.InfoHash, 0, len(resp.Files))
	for _, dto := range resp.Files {
		ih, err := dto.toInfoHash()
		if err != nil {
			continue
		}
		files = append(files, ih)
	}
	return files, nil
}

// DeleteFile removes id from fh's seeder list.
func (c *Client) DeleteFile(id introducer.ClientId, fh filestore.FileHash) error {
	req := struct {
		ClientID string `json:"client_id"`
		FileHash string `json:"file_hash"`
	}{string(id), fh.String()}
	return c.postJSON("/rpc/delete_file", req, nil)
}

// DelistClient removes id from the registry entirely.
func (c *Client) DelistClient(id introducer.ClientId) error {
	req := struct {
		ClientID string `json:"client_id"`
	}{string(id)}
	return c.postJSON("/rpc/delist_client", req, nil)
}

// SendFileRequest wakes the seeder parked at peerOfSeeder.
func (c *Client) SendFileRequest(peerOfSeeder, self peerid.PeerId) error {
	req := struct {
		PeerOfSeeder peerIdDTO `json:"peer_of_seeder"`
		Self         peerIdDTO `json:"self"`
	}{fromPeerId(peerOfSeeder), fromPeerId(self)}
	return c.postJSON("/rpc/send_file_request", req, nil)
}

// InitPunch fires the hole-punch trigger parked for peer.
func (c *Client) InitPunch(peer peerid.PeerId) error {
	req := struct {
		PeerID peerIdDTO `json:"peer_id"`
	}{fromPeerId(peer)}
	return c.postJSON("/rpc/init_punch", req, nil)
}

// SendCert forwards a certificate to the leecher parked for peer.
func (c *Client) SendCert(peer peerid.PeerId, cert []byte) error {
	req := struct {
		PeerID peerIdDTO `json:"peer_id"`
		Cert   string    `json:"cert"`
	}{fromPeerId(peer), string(cert)}
	return c.postJSON("/rpc/send_cert", req, nil)
}

// Seed opens the long-poll websocket and blocks until a leecher wakes
// this seeder, returning the leecher's endpoint.
func (c *Client) Seed(ctx context.Context, self peerid.PeerId) (peerid.PeerId, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBase+"/ws/seed", nil)
	if err != nil {
		return peerid.PeerId{}, fmt.Errorf("introclient: dial seed ws: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(fromPeerId(self)); err != nil {
		return peerid.PeerId{}, err
	}

	var resp peerIdDTO
	if err := conn.ReadJSON(&resp); err != nil {
		return peerid.PeerId{}, err
	}
	return resp.toPeerId()
}

// AwaitHolePunchTrigger blocks until the introducer's matching
// InitPunch call fires for selfID.
func (c *Client) AwaitHolePunchTrigger(ctx context.Context, selfID peerid.PeerId) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBase+"/ws/await_hole_punch_trigger", nil)
	if err != nil {
		return fmt.Errorf("introclient: dial hole punch ws: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(fromPeerId(selfID)); err != nil {
		return err
	}
	var resp map[string]string
	if err := conn.ReadJSON(&resp); err != nil {
		return err
	}
	if errMsg, ok := resp["error"]; ok {
		return fmt.Errorf("introclient: %s", errMsg)
	}
	return nil
}

// GetCert blocks until a seeder's SendCert call delivers a certificate
// for selfAddr.
func (c *Client) GetCert(ctx context.Context, selfAddr peerid.PeerId) ([]byte, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBase+"/ws/get_cert", nil)
	if err != nil {
		return nil, fmt.Errorf("introclient: dial get_cert ws: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(fromPeerId(selfAddr)); err != nil {
		return nil, err
	}
	var resp map[string]string
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, err
	}
	if errMsg, ok := resp["error"]; ok {
		return nil, fmt.Errorf("introclient: %s", errMsg)
	}
	return []byte(resp["cert"]), nil
}

// TurnConn is a joined TURN relay connection: Send/Recv exchange
// TurnPacket frames for the registered session and role.
type TurnConn struct {
	conn *websocket.Conn
}

// JoinTurn registers into sessionID's seeder or leecher slot and blocks
// until the introducer's barrier of 2 releases both sides.
func (c *Client) JoinTurn(ctx context.Context, sessionID string, isSeeder bool) (*TurnConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBase+"/ws/turn", nil)
	if err != nil {
		return nil, fmt.Errorf("introclient: dial turn ws: %w", err)
	}

	join := struct {
		SessionID string `json:"session_id"`
		IsSeeder  bool   `json:"is_seeder"`
	}{sessionID, isSeeder}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, err
	}

	var resp map[string]string
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, err
	}
	if errMsg, ok := resp["error"]; ok {
		conn.Close()
		return nil, fmt.Errorf("introclient: %s", errMsg)
	}

	return &TurnConn{conn: conn}, nil
}

// Send writes a TurnPacket frame to the relay.
func (t *TurnConn) Send(pkt introducer.TurnPacket) error {
	return t.conn.WriteJSON(pkt)
}

// Recv reads the next inbound TurnPacket frame.
func (t *TurnConn) Recv() (introducer.TurnPacket, error) {
	var pkt introducer.TurnPacket
	err := t.conn.ReadJSON(&pkt)
	return pkt, err
}

// Close ends the relay connection.
func (t *TurnConn) Close() error {
	return t.conn.Close()
}
