// Package rndz implements the rendezvous adapter: a small HTTP registry
// through which a listening peer advertises its socket address under an
// ID, and a dialing peer looks that address up before opening the
// direct TCP connection.
package rndz

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telexfer/teleporter/internal/ratelimit"
)

// DefaultTTL is how long a registration stays valid without a refresh.
const DefaultTTL = 60 * time.Second

// PeerEntry is one registered peer.
type PeerEntry struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	RegisteredAt   time.Time `json:"registered_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	RegistrationID string    `json:"registration_id"`
}

type registerRequest struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Broker is the rendezvous registry service.
type Broker struct {
	peers    map[string]*PeerEntry
	mu       sync.RWMutex
	maxTTL   time.Duration
	limiters *ratelimit.PerKey
}

// NewBroker creates a broker enforcing the given maximum registration TTL.
func NewBroker(maxTTL time.Duration) *Broker {
	return &Broker{
		peers:    make(map[string]*PeerEntry),
		maxTTL:   maxTTL,
		limiters: ratelimit.NewPerKey(2, 20),
	}
}

// Register inserts or refreshes a peer. Re-registering an ID replaces
// its address, so a restarted peer does not have to wait out the TTL.
func (b *Broker) Register(id, address string, ttl time.Duration) *PeerEntry {
	if ttl <= 0 || ttl > b.maxTTL {
		ttl = b.maxTTL
	}
	entry := &PeerEntry{
		ID:             id,
		Address:        address,
		RegisteredAt:   time.Now(),
		ExpiresAt:      time.Now().Add(ttl),
		RegistrationID: uuid.New().String(),
	}
	b.mu.Lock()
	b.peers[id] = entry
	b.mu.Unlock()
	return entry
}

// Lookup returns the live registration for id, or false when unknown or
// expired.
func (b *Broker) Lookup(id string) (*PeerEntry, bool) {
	b.mu.RLock()
	entry, ok := b.peers[id]
	b.mu.RUnlock()
	if !ok || time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// CleanupExpired removes expired registrations and reports how many.
func (b *Broker) CleanupExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	now := time.Now()
	for id, entry := range b.peers {
		if now.After(entry.ExpiresAt) {
			delete(b.peers, id)
			count++
		}
	}
	return count
}

// Count returns the number of registrations, live or not yet collected.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Handler returns the broker's HTTP mux:
//
//	POST /api/v1/register   {id, address, ttl_seconds}
//	GET  /api/v1/peer/{id}
//	GET  /health
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/register", b.handleRegister)
	mux.HandleFunc("/api/v1/peer/", b.handleLookup)
	mux.HandleFunc("/health", b.handleHealth)
	return mux
}

func (b *Broker) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.limiters.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Address == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	entry := b.Register(req.ID, req.Address, time.Duration(req.TTLSeconds)*time.Second)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(entry)
}

func (b *Broker) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.limiters.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	id := r.URL.Path[len("/api/v1/peer/"):]
	if id == "" {
		http.Error(w, "Peer ID required", http.StatusBadRequest)
		return
	}
	entry, ok := b.Lookup(id)
	if !ok {
		http.Error(w, "Peer not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "healthy",
		"peer_count": b.Count(),
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
