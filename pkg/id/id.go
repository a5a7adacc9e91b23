// Package id generates the lexicographically sortable identifiers used to
// label reconstruction runs in logs, summaries and the output ledger.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// RunID identifies one invocation of the reconstruction.
type RunID struct {
	value ulid.ULID
}

func NewRunIDAt(at time.Time) (RunID, error) {
	mutex.Lock()
	defer mutex.Unlock()

	v, err := ulid.New(ulid.Timestamp(at), entropy)
	if err != nil {
		return RunID{}, err
	}

	return RunID{v}, nil
}

func NewRunID() (RunID, error) {
	return NewRunIDAt(time.Now())
}

// NewString returns the string form of a fresh run id.
func NewString() (string, error) {
	r, err := NewRunID()
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

func Parse(s string) (RunID, error) {
	v, err := ulid.ParseStrict(s)
	if err != nil {
		return RunID{}, err
	}

	return RunID{v}, nil
}

func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func (r RunID) String() string {
	return r.value.String()
}

func (r RunID) IsZero() bool {
	return r.value == (ulid.ULID{})
}

// StartedAt is the millisecond timestamp encoded in the id.
func (r RunID) StartedAt() time.Time {
	return ulid.Time(r.value.Time())
}
