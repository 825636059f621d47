package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type mockAccount struct {
	user    User
	plan    string
	pattern string
}

var mockAccounts = []mockAccount{
	{user: User{ID: "user-mock-alice", Name: "Alice", Email: "alice@example.com"}, plan: "plus", pattern: "steady"},
	{user: User{ID: "user-mock-bob", Name: "Bob", Email: "bob@example.com"}, plan: "free", pattern: "flaky"},
}

// MockSource fabricates session bodies for demo runs. The "steady" account
// always returns a token; "flaky" logs out on every third fetch so the
// token_error path can be exercised against a live relay.
type MockSource struct {
	mu      sync.Mutex
	account mockAccount
	fetches int
	rng     *rand.Rand
	now     func() time.Time
}

// NewMockSource picks the account by pattern name ("steady" or "flaky").
func NewMockSource(pattern string) *MockSource {
	acct := mockAccounts[0]
	for _, a := range mockAccounts {
		if a.pattern == pattern {
			acct = a
		}
	}
	return &MockSource{
		account: acct,
		rng:     rand.New(rand.NewSource(1)),
		now:     time.Now,
	}
}

func (s *MockSource) Session(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.fetches++
	n := s.fetches
	token := fmt.Sprintf("mock-%s-%08x", s.account.user.ID, s.rng.Uint32())
	s.mu.Unlock()

	if s.account.pattern == "flaky" && n%3 == 0 {
		return []byte(`{}`), nil
	}

	return json.Marshal(map[string]any{
		"accessToken": token,
		"user":        s.account.user,
		"expires":     s.now().Add(time.Hour).UTC().Format(time.RFC3339),
		"account":     map[string]string{"planType": s.account.plan},
	})
}
