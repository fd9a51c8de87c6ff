package cert

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const challengePrefix = "/.well-known/acme-challenge/"

// challengeSolver serves ACME HTTP-01 key authorizations. The listener
// is short-lived: it runs only while an issuance is in flight.
type challengeSolver struct {
	addr   string
	tokens sync.Map // map[token]keyAuth

	mu  sync.Mutex
	srv *http.Server
}

func newChallengeSolver(addr string) *challengeSolver {
	return &challengeSolver{addr: addr}
}

func (s *challengeSolver) put(token, keyAuth string) {
	s.tokens.Store(token, keyAuth)
}

func (s *challengeSolver) forget(token string) {
	s.tokens.Delete(token)
}

// start begins listening for challenge requests. It is a no-op when the
// listener is already up.
func (s *challengeSolver) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(challengePrefix, s.handleChallenge)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[CERT] Challenge listener stopped: %v", err)
		}
	}()

	log.Printf("[CERT] Challenge listener started on %s", s.addr)
	return nil
}

// stop shuts the listener down gracefully.
func (s *challengeSolver) stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[CERT] Challenge listener shutdown error: %v", err)
	}
	log.Printf("[CERT] Challenge listener stopped")
}

func (s *challengeSolver) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, challengePrefix)
	keyAuth, ok := s.tokens.Load(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth.(string)))
}
