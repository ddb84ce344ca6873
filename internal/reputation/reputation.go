// Package reputation keeps the Elo-like rating book. Ratings move only on
// confirmed completions and arbitration verdicts, each applied at most
// once per proposal or dispute id.
package reputation

import (
	"log"
	"math"
	"path/filepath"
	"sync"

	"github.com/agentchat/relay/internal/store"
)

const (
	// DefaultRating is the starting rating for an unseen agent.
	DefaultRating = 1200.0
	// DefaultKFactor scales rating movement for new agents; it halves
	// once an agent has played enough rated games.
	DefaultKFactor = 32.0
	// SeasonedGames is the game count at which K halves.
	SeasonedGames = 10
)

// Record is one agent's rating state.
type Record struct {
	Rating  float64 `json:"rating"`
	KFactor float64 `json:"k_factor"`
	Games   int     `json:"games"`
}

// Store is the single-writer rating book.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record // agent id -> record
	applied map[string]bool    // proposal/dispute id -> settled
	dataDir string
	logger  *log.Logger
}

// NewStore loads the rating snapshot from dataDir.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		records: make(map[string]*Record),
		applied: make(map[string]bool),
		dataDir: dataDir,
		logger:  log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
	if err := store.LoadJSON(s.path(), &s.records); err != nil {
		return nil, err
	}
	if err := store.LoadJSON(s.appliedPath(), &s.applied); err != nil {
		return nil, err
	}
	return s, nil
}

// Rating returns the agent's current rating (DefaultRating if unseen).
func (s *Store) Rating(agentID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[agentID]; ok {
		return r.Rating
	}
	return DefaultRating
}

// Games returns the agent's rated game count.
func (s *Store) Games(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[agentID]; ok {
		return r.Games
	}
	return 0
}

// ApplyCompletion settles an undisputed completion: a cooperative draw
// that counts a game for both parties and nudges ratings together.
// Returns per-agent deltas; a second call with the same id is a no-op.
func (s *Store) ApplyCompletion(proposalID, proposer, acceptor string) map[string]float64 {
	return s.applyMatch("c:"+proposalID, proposer, acceptor, 0.5)
}

// ApplyVerdict settles a dispute. The winner scores 1 against the loser;
// a mutual verdict is a draw. Stake widens the effective K so staked
// disputes move ratings harder, bounded to keep single matches sane.
func (s *Store) ApplyVerdict(disputeID, disputant, respondent, verdict string, stake float64) map[string]float64 {
	var score float64 // disputant's score
	switch verdict {
	case "disputant":
		score = 1
	case "respondent":
		score = 0
	default:
		score = 0.5
	}
	return s.applyMatchStaked("d:"+disputeID, disputant, respondent, score, stake)
}

// Settled reports whether an outcome id has already been applied.
func (s *Store) Settled(proposalID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied["c:"+proposalID] || s.applied["d:"+proposalID]
}

func (s *Store) applyMatch(key, a, b string, scoreA float64) map[string]float64 {
	return s.applyMatchStaked(key, a, b, scoreA, 0)
}

func (s *Store) applyMatchStaked(key, a, b string, scoreA, stake float64) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[key] {
		return nil
	}
	s.applied[key] = true

	ra := s.recordLocked(a)
	rb := s.recordLocked(b)

	expectedA := 1 / (1 + math.Pow(10, (rb.Rating-ra.Rating)/400))
	k := math.Min(ra.KFactor, rb.KFactor)
	if stake > 0 {
		k = math.Min(k+stake, 2*DefaultKFactor)
	}

	deltaA := k * (scoreA - expectedA)
	ra.Rating += deltaA
	rb.Rating -= deltaA
	ra.Games++
	rb.Games++
	if ra.Games >= SeasonedGames {
		ra.KFactor = DefaultKFactor / 2
	}
	if rb.Games >= SeasonedGames {
		rb.KFactor = DefaultKFactor / 2
	}

	changes := map[string]float64{a: deltaA, b: -deltaA}
	s.persistLocked()
	return changes
}

func (s *Store) recordLocked(agentID string) *Record {
	r, ok := s.records[agentID]
	if !ok {
		r = &Record{Rating: DefaultRating, KFactor: DefaultKFactor}
		s.records[agentID] = r
	}
	return r
}

func (s *Store) persistLocked() {
	if s.dataDir == "" {
		return
	}
	if err := store.SaveJSON(s.path(), s.records, store.ModeShared); err != nil {
		s.logger.Printf("persist ratings: %v", err)
	}
	if err := store.SaveJSON(s.appliedPath(), s.applied, store.ModeShared); err != nil {
		s.logger.Printf("persist settled ids: %v", err)
	}
}

func (s *Store) path() string        { return filepath.Join(s.dataDir, "reputation.json") }
func (s *Store) appliedPath() string { return filepath.Join(s.dataDir, "reputation_applied.json") }
