package server

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beatsync/server/internal/events"
	"github.com/beatsync/server/internal/monitoring"
)

func testRegistry() *Registry {
	return NewRegistry(time.Minute, monitoring.NewMetrics(), events.NopSink{}, zerolog.Nop())
}

func TestGetOrAddUserSingleWinner(t *testing.T) {
	reg := testRegistry()

	const attempts = 16
	users := make([]*User, attempts)
	createds := make([]bool, attempts)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			users[i], createds[i] = reg.GetOrAddUser(7, func() *User {
				return NewUser(7, "racer", "en-US", nil)
			})
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for i := 0; i < attempts; i++ {
		if users[i] != users[0] {
			t.Fatal("concurrent authentications produced distinct users")
		}
		if createds[i] {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("created %d users, want exactly 1", created)
	}
	if reg.User(7) != users[0] {
		t.Fatal("registry does not hold the winning user")
	}
}

func TestGetOrAddUserReturnsExisting(t *testing.T) {
	reg := testRegistry()
	first, created := reg.GetOrAddUser(1, func() *User {
		return NewUser(1, "a", "en-US", nil)
	})
	if !created {
		t.Fatal("first insert must report created")
	}
	second, created := reg.GetOrAddUser(1, func() *User {
		t.Fatal("create must not run for an existing user")
		return nil
	})
	if created || second != first {
		t.Fatal("second lookup must return the existing user")
	}
}
