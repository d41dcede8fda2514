package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/micrictor/appwall/internal/conntrack"
	"github.com/micrictor/appwall/internal/iface"
	"github.com/micrictor/appwall/internal/packet"
)

// RuleSet holds the rules of every owner uid. Rules of one owner are kept in
// insertion order, which is the evaluation order.
type RuleSet struct {
	mu     sync.RWMutex
	byUser map[int][]Rule
}

func NewRuleSet() *RuleSet {
	return &RuleSet{byUser: make(map[int][]Rule)}
}

// Add validates r and appends it. A rule equal to an existing one is rejected
// and the set is left unchanged.
func (s *RuleSet) Add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byUser[r.UserID] {
		if existing == r {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r)
		}
	}
	s.byUser[r.UserID] = append(s.byUser[r.UserID], r)
	return nil
}

func (s *RuleSet) Remove(r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byUser[r.UserID]
	for i, existing := range list {
		if existing != r {
			continue
		}
		rest := make([]Rule, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(s.byUser, r.UserID)
		} else {
			s.byUser[r.UserID] = rest
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, r)
}

// Replace sets the rules of uid to list, in order. Callers pass a list taken
// from Rules.
func (s *RuleSet) Replace(uid int, list []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(list) == 0 {
		delete(s.byUser, uid)
		return
	}
	s.byUser[uid] = append([]Rule(nil), list...)
}

// Rules returns a copy of the rules of uid in evaluation order.
func (s *RuleSet) Rules(uid int) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule(nil), s.byUser[uid]...)
}

// Users returns the owner uids that have at least one rule, ascending.
func (s *RuleSet) Users() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]int, 0, len(s.byUser))
	for uid := range s.byUser {
		users = append(users, uid)
	}
	sort.Ints(users)
	return users
}

// All returns every rule grouped by ascending uid.
func (s *RuleSet) All() []Rule {
	var all []Rule
	for _, uid := range s.Users() {
		all = append(all, s.Rules(uid)...)
	}
	return all
}

func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.byUser {
		n += len(list)
	}
	return n
}

// Match returns the first rule of the packet owner that matches.
func (s *RuleSet) Match(p *packet.Packet, v conntrack.View, class iface.Class) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.byUser[p.UserID] {
		if r.Matches(p, v, class) {
			return r, true
		}
	}
	return Rule{}, false
}
