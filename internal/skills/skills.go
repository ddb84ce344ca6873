// Package skills stores signed self-reports of agent capabilities and
// serves ranked searches over them.
package skills

import (
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/store"
)

// Registration is one agent's current skill set.
type Registration struct {
	Skills       []protocol.SkillEntry `json:"skills"`
	RegisteredAt int64                 `json:"registered_at"`
	Signature    string                `json:"signature"`
}

// RatingFunc resolves an agent's reputation for ranking ties.
type RatingFunc func(agentID string) float64

// Store is the single-writer skills registry.
type Store struct {
	mu      sync.RWMutex
	byAgent map[string]*Registration
	rating  RatingFunc
	dataDir string
	logger  *log.Logger
}

// NewStore loads the skills snapshot. rating may be nil, in which case
// ties rank equal.
func NewStore(dataDir string, rating RatingFunc) (*Store, error) {
	s := &Store{
		byAgent: make(map[string]*Registration),
		rating:  rating,
		dataDir: dataDir,
		logger:  log.New(log.Writer(), "[SKILLS] ", log.LstdFlags),
	}
	if err := store.LoadJSON(s.path(), &s.byAgent); err != nil {
		return nil, err
	}
	return s, nil
}

// Register merges a signed report into the store. Capabilities repeated
// within one report keep the last entry; re-registration replaces entries
// for the same capability and keeps the rest.
func (s *Store) Register(agentID string, skills []protocol.SkillEntry, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.byAgent[agentID]
	if !ok {
		reg = &Registration{}
		s.byAgent[agentID] = reg
	}

	merged := make(map[string]protocol.SkillEntry, len(reg.Skills)+len(skills))
	for _, e := range reg.Skills {
		merged[strings.ToLower(e.Capability)] = e
	}
	for _, e := range skills {
		merged[strings.ToLower(e.Capability)] = e
	}

	reg.Skills = reg.Skills[:0]
	for _, e := range merged {
		reg.Skills = append(reg.Skills, e)
	}
	sort.Slice(reg.Skills, func(i, j int) bool {
		return reg.Skills[i].Capability < reg.Skills[j].Capability
	})
	reg.RegisteredAt = time.Now().UnixMilli()
	reg.Signature = signature

	if err := store.SaveJSON(s.path(), s.byAgent, store.ModeShared); err != nil {
		s.logger.Printf("persist skills: %v", err)
	}
}

// Get returns an agent's registration, or nil.
func (s *Store) Get(agentID string) *Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byAgent[agentID]
	if !ok {
		return nil
	}
	cp := *reg
	cp.Skills = append([]protocol.SkillEntry(nil), reg.Skills...)
	return &cp
}

// Search returns matches for query, ranked by capability match quality
// (exact before substring), then declared rate ascending, then reputation
// descending.
func (s *Store) Search(query string) []protocol.SkillMatch {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	type scored struct {
		match protocol.SkillMatch
		exact bool
	}

	s.mu.RLock()
	var hits []scored
	for agentID, reg := range s.byAgent {
		for _, e := range reg.Skills {
			name := strings.ToLower(e.Capability)
			exact := name == q
			if !exact && !strings.Contains(name, q) && !strings.Contains(strings.ToLower(e.Description), q) {
				continue
			}
			var rating float64
			if s.rating != nil {
				rating = s.rating(agentID)
			}
			hits = append(hits, scored{
				match: protocol.SkillMatch{
					Agent:      agentID,
					Capability: e.Capability,
					Rate:       e.Rate,
					Currency:   e.Currency,
					Rating:     rating,
				},
				exact: exact,
			})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].exact != hits[j].exact {
			return hits[i].exact
		}
		ri, rj := hits[i].match.Rate, hits[j].match.Rate
		// Zero rate means "not declared"; it sorts after any declared rate.
		if (ri > 0) != (rj > 0) {
			return ri > 0
		}
		if ri != rj {
			return ri < rj
		}
		return hits[i].match.Rating > hits[j].match.Rating
	})

	out := make([]protocol.SkillMatch, len(hits))
	for i, h := range hits {
		out[i] = h.match
	}
	return out
}

// Drop removes an agent's registration (operator path; disconnects keep
// skills since they are durable identity data).
func (s *Store) Drop(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byAgent, agentID)
	if err := store.SaveJSON(s.path(), s.byAgent, store.ModeShared); err != nil {
		s.logger.Printf("persist skills: %v", err)
	}
}

func (s *Store) path() string { return filepath.Join(s.dataDir, "skills.json") }
