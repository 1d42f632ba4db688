package game

import (
	"sort"
	"time"
)

// FroggerScore is one player's best arcade run in a session.
type FroggerScore struct {
	Player      string `json:"player"`
	Score       int    `json:"score"`
	TimeLeft    int    `json:"timeLeft"`
	EndReason   string `json:"endReason"`
	SubmittedAt int64  `json:"submittedAt"`
}

type froggerBoard struct {
	scores map[string]FroggerScore
}

// StartFrogger announces an arcade round. There is no server-side
// round state: clients run the game and submit their final scores.
func (m *Manager) StartFrogger(sessionID, starter string) {
	m.mu.Lock()
	if m.frogger[sessionID] == nil {
		m.frogger[sessionID] = &froggerBoard{scores: make(map[string]FroggerScore)}
	}
	m.mu.Unlock()

	m.logger.Info("frogger started", "session", sessionID, "starter", starter)
	m.broadcast.Broadcast(sessionID, "frogger-game-started", map[string]any{"starter": starter})
}

// SubmitFroggerScore records a finished run, keeping each player's
// best score, and broadcasts the updated leaderboard.
func (m *Manager) SubmitFroggerScore(sessionID, player string, score, timeLeft int, endReason string) {
	entry := FroggerScore{
		Player:      player,
		Score:       score,
		TimeLeft:    timeLeft,
		EndReason:   endReason,
		SubmittedAt: time.Now().UnixMilli(),
	}

	m.mu.Lock()
	board := m.frogger[sessionID]
	if board == nil {
		board = &froggerBoard{scores: make(map[string]FroggerScore)}
		m.frogger[sessionID] = board
	}
	if best, ok := board.scores[player]; !ok || score > best.Score {
		board.scores[player] = entry
	}
	m.mu.Unlock()

	m.logger.Info("frogger score submitted",
		"session", sessionID, "player", player, "score", score, "reason", endReason)
	m.BroadcastFroggerLeaderboard(sessionID)
}

// FroggerLeaderboard returns the session's scores, highest first.
func (m *Manager) FroggerLeaderboard(sessionID string) []FroggerScore {
	m.mu.Lock()
	board := m.frogger[sessionID]
	var scores []FroggerScore
	if board != nil {
		for _, s := range board.scores {
			scores = append(scores, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].SubmittedAt < scores[j].SubmittedAt
	})
	return scores
}

// BroadcastFroggerLeaderboard sends the current standings to the
// session.
func (m *Manager) BroadcastFroggerLeaderboard(sessionID string) {
	m.broadcast.Broadcast(sessionID, "frogger-leaderboard", map[string]any{
		"leaderboard": m.FroggerLeaderboard(sessionID),
	})
}
