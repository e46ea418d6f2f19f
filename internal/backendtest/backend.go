// Package backendtest provides an in-process chat backend for tests: a
// WebSocket endpoint speaking the event protocol and the REST surface the
// api client calls.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-blackswan/chatsync/internal/models"
	"github.com/p-blackswan/chatsync/internal/protocol"
)

// Peer is one accepted client connection.
type Peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes an event to the client.
func (p *Peer) Send(event string, payload any) error {
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	return p.WriteFrame(frame)
}

// WriteFrame writes a raw frame to the client.
func (p *Peer) WriteFrame(f protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(f)
}

// Ack acknowledges a request frame.
func (p *Peer) Ack(req protocol.Frame, errMsg string) error {
	return p.WriteFrame(protocol.Frame{Event: protocol.EventAck, ID: req.ID, Error: errMsg})
}

// Server is a fake chat backend.
type Server struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	tokens        map[string]bool
	refreshTokens map[string]string
	peers         []*Peer
	frames        []protocol.Frame
	dials         int
	rejectWS      int
	skipConnected bool
	ackJoins      bool
	onFrame       func(*Peer, protocol.Frame)

	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	settings      models.Settings
	truncateFail  int
	restCalls     map[string]int
	failAll       int
}

// New starts a backend that accepts token as a valid bearer token.
func New(t *testing.T, token string) *Server {
	s := &Server{
		t:             t,
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		tokens:        map[string]bool{token: true},
		refreshTokens: make(map[string]string),
		ackJoins:      true,
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		settings:      models.Settings{"theme": "dark"},
		restCalls:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/conversations", s.authed(s.handleListConversations))
	mux.HandleFunc("POST /api/conversations", s.authed(s.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations/{id}", s.authed(s.handleGetConversation))
	mux.HandleFunc("PATCH /api/conversations/{id}", s.authed(s.handleUpdateConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.authed(s.handleDeleteConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.authed(s.handleListMessages))
	mux.HandleFunc("POST /api/conversations/{id}/truncate", s.authed(s.handleTruncate))
	mux.HandleFunc("POST /api/files/upload", s.authed(s.handleUpload))
	mux.HandleFunc("POST /api/speech/transcribe", s.authed(s.handleTranscribe))
	mux.HandleFunc("POST /api/speech/synthesize", s.authed(s.handleSynthesize))
	mux.HandleFunc("GET /api/settings", s.authed(s.handleGetSettings))
	mux.HandleFunc("PUT /api/settings", s.authed(s.handlePutSettings))
	mux.HandleFunc("GET /api/models", s.authed(s.handleModels))
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// WSURL returns the WebSocket endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

// APIURL returns the REST base URL.
func (s *Server) APIURL() string {
	return s.server.URL + "/api"
}

// Close drops every client and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.server.Close()
}

// AcceptToken adds a valid bearer token.
func (s *Server) AcceptToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = true
}

// RevokeToken makes a bearer token invalid.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// AddRefreshToken makes refresh exchangeable for access.
func (s *Server) AddRefreshToken(refresh, access string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[refresh] = access
}

// RejectConnections fails the next n WebSocket upgrades with 503.
func (s *Server) RejectConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectWS = n
}

// SkipConnected stops the server from sending the connected event.
func (s *Server) SkipConnected(skip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipConnected = skip
}

// AckJoins toggles automatic acks for join and leave requests.
func (s *Server) AckJoins(ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackJoins = ack
}

// OnFrame installs a hook called for every frame a client sends.
func (s *Server) OnFrame(fn func(*Peer, protocol.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

// Dials returns the number of accepted WebSocket handshakes.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Frames returns every frame received so far.
func (s *Server) Frames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

// FramesFor returns the received frames with the given event name.
func (s *Server) FramesFor(event string) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range s.Frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Broadcast sends an event to every connected client.
func (s *Server) Broadcast(event string, payload any) {
	s.mu.Lock()
	peers := append([]*Peer(nil), s.peers...)
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.Send(event, payload)
	}
}

// DropConnections closes every client socket without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

// Peers returns the number of live client connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) validToken(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.rejectWS > 0 {
		s.rejectWS--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	if !s.validToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("upgrade error: %v", err)
		return
	}
	peer := &Peer{conn: conn}

	s.mu.Lock()
	s.dials++
	s.peers = append(s.peers, peer)
	skip := s.skipConnected
	s.mu.Unlock()

	defer conn.Close()

	if !skip {
		_ = peer.Send(protocol.EventConnected, map[string]string{"status": "ok"})
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}

		s.mu.Lock()
		s.frames = append(s.frames, frame)
		ack := s.ackJoins
		hook := s.onFrame
		s.mu.Unlock()

		if ack && frame.ID != "" &&
			(frame.Event == protocol.EventJoinConversation || frame.Event == protocol.EventLeaveConversation) {
			_ = peer.Ack(frame, "")
		}
		if hook != nil {
			hook(peer, frame)
		}
	}
}

// --- REST ---

// SeedConversation stores a conversation and its history.
func (s *Server) SeedConversation(c models.Conversation, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.conversations[c.ID] = c
	s.messages[c.ID] = append([]models.Message(nil), msgs...)
}

// AddMessage appends a message to a conversation's stored history.
func (s *Server) AddMessage(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
}

// StoredMessages returns the server-side history of a conversation.
func (s *Server) StoredMessages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages[conversationID]...)
}

// FailTruncate makes the next n truncate calls return 500.
func (s *Server) FailTruncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncateFail = n
}

// FailREST makes the next n authenticated REST calls return 503.
func (s *Server) FailREST(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = n
}

// Calls returns how many times the named REST route was hit.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restCalls[route]
}

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.restCalls[r.Pattern]++
		fail := s.failAll > 0
		if fail {
			s.failAll--
		}
		s.mu.Unlock()

		if !s.validToken(r) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if fail {
			writeError(w, http.StatusServiceUnavailable, "backend unavailable")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	s.mu.Lock()
	access, ok := s.refreshTokens[req.RefreshToken]
	if ok {
		s.tokens[access] = true
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": req.RefreshToken,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Model    string `json:"model"`
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	s.mu.Lock()
	c := models.Conversation{
		ID:        fmt.Sprintf("c%d", len(s.conversations)+1),
		Title:     req.Title,
		Model:     req.Model,
		Provider:  req.Provider,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[c.ID] = c
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (models.Conversation, bool) {
	s.mu.Lock()
	c, ok := s.conversations[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
	}
	return c, ok
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.conversation(w, r); ok {
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req struct {
		Title *string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	if req.Title != nil {
		c.Title = *req.Title
	}
	c.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.conversations, c.ID)
	delete(s.messages, c.ID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.StoredMessages(c.ID))
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
		Inclusive bool   `json:"inclusive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.truncateFail > 0 {
		s.truncateFail--
		writeError(w, http.StatusInternalServerError, "truncate failed")
		return
	}
	msgs := s.messages[c.ID]
	for i, m := range msgs {
		if m.ID == req.MessageID {
			if req.Inclusive {
				s.messages[c.ID] = msgs[:i]
			} else {
				s.messages[c.ID] = msgs[:i+1]
			}
			writeJSON(w, http.StatusOK, map[string]int{"removed": len(msgs) - len(s.messages[c.ID])})
			return
		}
	}
	writeError(w, http.StatusNotFound, "message not found")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()
	n, _ := io.Copy(io.Discard, file)
	writeJSON(w, http.StatusOK, models.Attachment{
		ID:          "file-" + header.Filename,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        n,
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)
	writeJSON(w, http.StatusOK, map[string]string{"text": "transcribed: " + string(data)})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "text required")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write([]byte("AUDIO:" + req.Text))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := models.Settings{}
	for k, v := range s.settings {
		out[k] = v
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var in models.Settings
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	s.mu.Lock()
	s.settings = in
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []models.ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai"},
		{ID: "claude-sonnet", Name: "Claude Sonnet", Provider: "anthropic"},
	})
}
