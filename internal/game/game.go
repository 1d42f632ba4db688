// Package game holds the per-session drawing game: a drawer picks a
// word, others guess against a countdown, and when the round ends the
// drawer may hand the game-master role to another member. Each session
// has at most one authoritative game state, and its timers die with
// the session.
package game

import (
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoActiveGame is returned when an operation needs a running
	// round and the session has none.
	ErrNoActiveGame = errors.New("game: no active game")

	// ErrUnknownWord is returned when a drawer selects a word outside
	// the configured list.
	ErrUnknownWord = errors.New("game: word not in list")

	// ErrNotDrawer is returned when someone other than the round's
	// drawer attempts a drawer-only operation.
	ErrNotDrawer = errors.New("game: not the drawer")

	// ErrDrawerGuess is returned when the drawer guesses their own word.
	ErrDrawerGuess = errors.New("game: drawer cannot guess")

	// ErrAlreadyWon is returned when a member who already guessed the
	// word guesses again.
	ErrAlreadyWon = errors.New("game: already won")
)

// defaultWords is the built-in drawing word pool.
var defaultWords = []string{
	"Emoji", "TikTok logo", "Selfie", "Robot", "Alien", "YouTube play button",
	"Headphones", "Controller", "WiFi", "QR code",
	"Pizza", "Burger", "Donut", "Ice cream", "French fries", "Bubble tea",
	"Coffee cup", "Water bottle", "Candy", "Hotdog",
	"Hoodie", "Sneakers", "Sunglasses", "Backpack", "Skateboard", "Watch",
	"Beanie", "Necklace", "Cap", "Nail polish",
	"Cat", "Dog", "Panda", "Frog", "Shark", "Butterfly", "Snake", "Tree",
	"Cloud", "Sun",
	"Heart", "Rainbow", "Star", "Crown", "Balloon", "Camera", "Guitar",
	"Skate park", "Fire", "Diamond",
}

// Broadcaster delivers an event to every member of a session.
type Broadcaster interface {
	Broadcast(sessionID, event string, data any)
}

// Config tunes round length and the word pool.
type Config struct {
	RoundSeconds      int
	AssignmentTimeout time.Duration
	WordChoiceCount   int
	Words             []string

	// TickInterval is one countdown second. Shortened in tests.
	TickInterval time.Duration
}

// DefaultConfig returns the production game settings.
func DefaultConfig() Config {
	return Config{
		RoundSeconds:      120,
		AssignmentTimeout: 30 * time.Second,
		WordChoiceCount:   10,
		Words:             defaultWords,
		TickInterval:      time.Second,
	}
}

// Guess is one guess attempt, kept for state replay to late joiners.
type Guess struct {
	User      string `json:"user"`
	Guess     string `json:"guess"`
	IsCorrect bool   `json:"isCorrect"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot is the game state sent to a member joining mid-round.
type Snapshot struct {
	Drawer   string  `json:"drawer"`
	Word     string  `json:"word"`
	TimeLeft int     `json:"timeLeft"`
	Guesses  []Guess `json:"guesses"`
}

type phase int

const (
	phaseDrawing phase = iota
	phaseAssignment
)

type round struct {
	drawer   string
	word     string
	timeLeft int
	guesses  []Guess
	winners  []string
	phase    phase

	stop        chan struct{} // closes to cancel the countdown goroutine
	assignTimer *time.Timer
}

// Manager owns every session's game state.
type Manager struct {
	cfg       Config
	broadcast Broadcaster
	logger    *slog.Logger

	mu      sync.Mutex
	rounds  map[string]*round
	frogger map[string]*froggerBoard
}

// NewManager fills zero Config fields with defaults.
func NewManager(cfg Config, b Broadcaster, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.RoundSeconds <= 0 {
		cfg.RoundSeconds = def.RoundSeconds
	}
	if cfg.AssignmentTimeout <= 0 {
		cfg.AssignmentTimeout = def.AssignmentTimeout
	}
	if cfg.WordChoiceCount <= 0 {
		cfg.WordChoiceCount = def.WordChoiceCount
	}
	if len(cfg.Words) == 0 {
		cfg.Words = def.Words
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	return &Manager{
		cfg:       cfg,
		broadcast: b,
		logger:    logger,
		rounds:    make(map[string]*round),
		frogger:   make(map[string]*froggerBoard),
	}
}

// WordChoices returns a random selection from the word pool for the
// drawer to pick from.
func (m *Manager) WordChoices() []string {
	words := make([]string, len(m.cfg.Words))
	copy(words, m.cfg.Words)
	rand.Shuffle(len(words), func(i, j int) { words[i], words[j] = words[j], words[i] })
	n := m.cfg.WordChoiceCount
	if n > len(words) {
		n = len(words)
	}
	return words[:n]
}

// Start begins a round with the drawer's selected word, replacing any
// existing round for the session.
func (m *Manager) Start(sessionID, drawer, word string) error {
	if !m.knownWord(word) {
		return ErrUnknownWord
	}

	m.mu.Lock()
	if old := m.rounds[sessionID]; old != nil {
		stopRoundLocked(old)
	}
	r := &round{
		drawer:   drawer,
		word:     word,
		timeLeft: m.cfg.RoundSeconds,
		phase:    phaseDrawing,
		stop:     make(chan struct{}),
	}
	m.rounds[sessionID] = r
	m.mu.Unlock()

	m.logger.Info("game started", "session", sessionID, "drawer", drawer, "word", word)
	m.broadcast.Broadcast(sessionID, "game-started", map[string]any{
		"drawer":   drawer,
		"word":     word,
		"timeLeft": m.cfg.RoundSeconds,
	})
	m.broadcast.Broadcast(sessionID, "game-status-change", map[string]any{"gameActive": true})

	go m.runCountdown(sessionID, r)
	return nil
}

func (m *Manager) knownWord(word string) bool {
	for _, w := range m.cfg.Words {
		if w == word {
			return true
		}
	}
	return false
}

// runCountdown ticks the round clock down and ends the round at zero.
func (m *Manager) runCountdown(sessionID string, r *round) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.rounds[sessionID] != r || r.phase != phaseDrawing {
				m.mu.Unlock()
				return
			}
			r.timeLeft--
			left := r.timeLeft
			m.mu.Unlock()

			m.broadcast.Broadcast(sessionID, "game-timer-update", map[string]any{"timeLeft": left})
			if left <= 0 {
				m.endRound(sessionID, r, "timeout")
				return
			}
		}
	}
}

// End finishes a round early at the drawer's request.
func (m *Manager) End(sessionID, user string) error {
	m.mu.Lock()
	r := m.rounds[sessionID]
	if r == nil || r.phase != phaseDrawing {
		m.mu.Unlock()
		return ErrNoActiveGame
	}
	if r.drawer != user {
		m.mu.Unlock()
		return ErrNotDrawer
	}
	m.mu.Unlock()

	m.endRound(sessionID, r, "manual")
	return nil
}

// endRound moves a round into the assignment phase: the word is
// revealed and the drawer gets a window to hand off the game-master
// role before the state is dropped.
func (m *Manager) endRound(sessionID string, r *round, reason string) {
	m.mu.Lock()
	if m.rounds[sessionID] != r || r.phase != phaseDrawing {
		m.mu.Unlock()
		return
	}
	close(r.stop)
	r.phase = phaseAssignment
	r.assignTimer = time.AfterFunc(m.cfg.AssignmentTimeout, func() {
		m.expireAssignment(sessionID, r)
	})
	word := r.word
	drawer := r.drawer
	var winners any
	if len(r.winners) > 0 {
		winners = append([]string(nil), r.winners...)
	}
	m.mu.Unlock()

	m.logger.Info("game ended", "session", sessionID, "reason", reason, "word", word)
	m.broadcast.Broadcast(sessionID, "game-ended", map[string]any{
		"reason":         reason,
		"word":           word,
		"winners":        winners,
		"canAssignNext":  true,
		"originalDrawer": drawer,
	})
}

// expireAssignment drops a round whose drawer never assigned a
// successor.
func (m *Manager) expireAssignment(sessionID string, r *round) {
	m.mu.Lock()
	if m.rounds[sessionID] != r {
		m.mu.Unlock()
		return
	}
	delete(m.rounds, sessionID)
	m.mu.Unlock()

	m.logger.Info("game master assignment expired", "session", sessionID)
	m.broadcast.Broadcast(sessionID, "game-status-change", map[string]any{"gameActive": false})
	m.broadcast.Broadcast(sessionID, "assignment-expired", map[string]any{})
}

// ProcessGuess records a guess against the running round and
// broadcasts the verdict. Correct guessers join the winners list.
func (m *Manager) ProcessGuess(sessionID, guesser, guess string) (bool, error) {
	m.mu.Lock()
	r := m.rounds[sessionID]
	if r == nil || r.phase != phaseDrawing {
		m.mu.Unlock()
		return false, ErrNoActiveGame
	}
	if r.drawer == guesser {
		m.mu.Unlock()
		return false, ErrDrawerGuess
	}
	for _, w := range r.winners {
		if w == guesser {
			m.mu.Unlock()
			return false, ErrAlreadyWon
		}
	}

	correct := strings.EqualFold(strings.TrimSpace(guess), r.word)
	r.guesses = append(r.guesses, Guess{
		User:      guesser,
		Guess:     guess,
		IsCorrect: correct,
		Timestamp: time.Now().UnixMilli(),
	})
	payload := map[string]any{
		"user":      guesser,
		"guess":     guess,
		"isCorrect": correct,
	}
	if correct {
		r.winners = append(r.winners, guesser)
		payload["winner"] = guesser
		payload["winners"] = append([]string(nil), r.winners...)
	}
	m.mu.Unlock()

	m.broadcast.Broadcast(sessionID, "game-guess", payload)
	return correct, nil
}

// CloseModal handles a member dismissing the game dialog. Only the
// drawer closing it cancels the round; anyone else dismissing their
// own view changes nothing.
func (m *Manager) CloseModal(sessionID, user string) bool {
	m.mu.Lock()
	r := m.rounds[sessionID]
	if r == nil || r.drawer != user {
		m.mu.Unlock()
		return false
	}
	stopRoundLocked(r)
	delete(m.rounds, sessionID)
	m.mu.Unlock()

	m.logger.Info("drawer closed game", "session", sessionID, "drawer", user)
	m.broadcast.Broadcast(sessionID, "game-status-change", map[string]any{"gameActive": false})
	return true
}

// HandleLeave cancels the round when its drawer leaves the session.
func (m *Manager) HandleLeave(sessionID, username string) bool {
	m.mu.Lock()
	r := m.rounds[sessionID]
	if r == nil || r.drawer != username {
		m.mu.Unlock()
		return false
	}
	stopRoundLocked(r)
	delete(m.rounds, sessionID)
	m.mu.Unlock()

	m.logger.Info("drawer left, game cancelled", "session", sessionID, "drawer", username)
	m.broadcast.Broadcast(sessionID, "game-status-change", map[string]any{"gameActive": false})
	return true
}

// AssignMaster hands the game-master role to another member during the
// assignment window. Drawer only.
func (m *Manager) AssignMaster(sessionID, assigner, newMaster string) error {
	m.mu.Lock()
	r := m.rounds[sessionID]
	if r == nil || r.phase != phaseAssignment {
		m.mu.Unlock()
		return ErrNoActiveGame
	}
	if r.drawer != assigner {
		m.mu.Unlock()
		return ErrNotDrawer
	}
	stopRoundLocked(r)
	delete(m.rounds, sessionID)
	m.mu.Unlock()

	m.logger.Info("game master assigned",
		"session", sessionID, "from", assigner, "to", newMaster)
	m.broadcast.Broadcast(sessionID, "game-master-assigned", map[string]any{
		"newGameMaster": newMaster,
		"assignedBy":    assigner,
	})
	m.broadcast.Broadcast(sessionID, "game-status-change", map[string]any{"gameActive": false})
	return nil
}

// SkipAssignment ends the assignment window without a handoff. Drawer
// only.
func (m *Manager) SkipAssignment(sessionID, user string) error {
	m.mu.Lock()
	r := m.rounds[sessionID]
	if r == nil || r.phase != phaseAssignment {
		m.mu.Unlock()
		return ErrNoActiveGame
	}
	if r.drawer != user {
		m.mu.Unlock()
		return ErrNotDrawer
	}
	stopRoundLocked(r)
	delete(m.rounds, sessionID)
	m.mu.Unlock()

	m.broadcast.Broadcast(sessionID, "game-status-change", map[string]any{"gameActive": false})
	m.broadcast.Broadcast(sessionID, "assignment-skipped", map[string]any{"skippedBy": user})
	return nil
}

// Snapshot returns the running round for replay to a late joiner.
func (m *Manager) Snapshot(sessionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rounds[sessionID]
	if r == nil || r.phase != phaseDrawing {
		return Snapshot{}, false
	}
	return Snapshot{
		Drawer:   r.drawer,
		Word:     r.word,
		TimeLeft: r.timeLeft,
		Guesses:  append([]Guess(nil), r.guesses...),
	}, true
}

// Active reports whether the session has a round in any phase.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rounds[sessionID] != nil
}

// DropSession discards a session's game state and frogger scores,
// cancelling timers. Called when the session is destroyed.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.rounds[sessionID]; r != nil {
		stopRoundLocked(r)
		delete(m.rounds, sessionID)
	}
	delete(m.frogger, sessionID)
}

// Shutdown cancels every timer across all sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID, r := range m.rounds {
		stopRoundLocked(r)
		delete(m.rounds, sessionID)
	}
	m.frogger = make(map[string]*froggerBoard)
}

// stopRoundLocked cancels a round's timers. Caller holds m.mu.
func stopRoundLocked(r *round) {
	if r.phase == phaseDrawing {
		close(r.stop)
	}
	if r.assignTimer != nil {
		r.assignTimer.Stop()
		r.assignTimer = nil
	}
	r.phase = phaseAssignment
}
