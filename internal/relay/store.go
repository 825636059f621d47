package relay

import (
	"sort"
	"sync"
	"time"
)

// Entry is one token the relay has received, keyed by the token itself.
type Entry struct {
	Token       string    `json:"-"`
	UserName    string    `json:"user_name"`
	UserEmail   string    `json:"user_email"`
	Expires     string    `json:"expires,omitempty"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	Transport   string    `json:"transport"`
}

// Preview is what the HTTP API exposes about a token.
type Preview struct {
	UserName     string    `json:"user_name"`
	UserEmail    string    `json:"user_email"`
	LastUpdated  time.Time `json:"last_updated"`
	Status       string    `json:"status"`
	Transport    string    `json:"transport"`
	TokenPreview string    `json:"token_preview"`
}

type Store struct {
	mu     sync.RWMutex
	tokens map[string]*Entry
}

func NewStore() *Store {
	return &Store{tokens: make(map[string]*Entry)}
}

// Put stores e and returns the number of tokens held.
func (s *Store) Put(e Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := e
	s.tokens[e.Token] = &copy
	return len(s.tokens)
}

func (s *Store) Get(token string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tokens[token]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// All returns every entry, most recently updated first.
func (s *Store) All() []Entry {
	s.mu.RLock()
	result := make([]Entry, 0, len(s.tokens))
	for _, e := range s.tokens {
		result = append(result, *e)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastUpdated.After(result[j].LastUpdated)
	})
	return result
}

func (s *Store) Previews() []Preview {
	all := s.All()
	out := make([]Preview, 0, len(all))
	for _, e := range all {
		out = append(out, Preview{
			UserName:     e.UserName,
			UserEmail:    e.UserEmail,
			LastUpdated:  e.LastUpdated,
			Status:       e.Status,
			Transport:    e.Transport,
			TokenPreview: preview(e.Token),
		})
	}
	return out
}

// Clear drops every token and returns how many there were.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tokens)
	s.tokens = make(map[string]*Entry)
	return n
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func preview(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return token + "..."
	}
	return token[:8] + "..."
}
