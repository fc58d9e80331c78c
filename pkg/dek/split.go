package dek

import (
	"errors"
	"fmt"
)

var (
	ErrNoShares         = errors.New("no shares provided")
	ErrInvalidShareSize = errors.New("share size must match DEK size")
)

// Share is the secret contributed by one split.
type Share struct {
	// SplitID identifies the split. Maps to "sid" in the manifest; empty
	// when the container has a single split.
	SplitID string

	// Secret is the 32-byte split secret.
	Secret []byte
}

// Shares is an ordered set of split secrets keyed by split id. The first
// share added for a split id wins; order of insertion is preserved so the
// fold never depends on map iteration.
type Shares struct {
	order []Share
	index map[string]int
}

// Add records the secret for splitID. It returns false, leaving the set
// unchanged, if the split already has a secret.
func (s *Shares) Add(splitID string, secret []byte) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, ok := s.index[splitID]; ok {
		return false
	}
	s.index[splitID] = len(s.order)
	s.order = append(s.order, Share{SplitID: splitID, Secret: secret})
	return true
}

// Has reports whether the split already has a secret.
func (s *Shares) Has(splitID string) bool {
	_, ok := s.index[splitID]
	return ok
}

// Get returns the secret for splitID.
func (s *Shares) Get(splitID string) ([]byte, bool) {
	i, ok := s.index[splitID]
	if !ok {
		return nil, false
	}
	return s.order[i].Secret, true
}

// Len returns the number of distinct splits recorded.
func (s *Shares) Len() int {
	return len(s.order)
}

// List returns the shares in insertion order.
func (s *Shares) List() []Share {
	return append([]Share(nil), s.order...)
}

// Combine folds the recorded secrets into the payload key.
func (s *Shares) Combine() ([]byte, error) {
	return Combine(s.order)
}

// Combine reconstructs the payload key from split secrets using XOR:
// key = share[0] XOR share[1] XOR ... XOR share[n-1].
//
// With a single share the key is the share's secret.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrNoShares
	}

	key := make([]byte, DEKSize)
	for i, share := range shares {
		if len(share.Secret) != DEKSize {
			return nil, fmt.Errorf("%w: share %d (split %q) has size %d",
				ErrInvalidShareSize, i, share.SplitID, len(share.Secret))
		}
		for j := range key {
			key[j] ^= share.Secret[j]
		}
	}

	return key, nil
}
