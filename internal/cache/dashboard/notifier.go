package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/studybuddy/studysync/internal/cache/sync"
)

// Notify forwards a sync notification to connected clients. A finished
// cycle is followed by a fresh stats message.
func (s *Server) Notify(n sync.Notification) {
	msg := Message{Type: MessageType(n.Kind), Timestamp: n.Time}
	if n.Data != nil {
		data, err := json.Marshal(n.Data)
		if err != nil {
			s.logger.Error("failed to marshal notification", "kind", n.Kind, "error", err)
			return
		}
		msg.Data = data
	}
	s.Broadcast(msg)

	if n.Kind == sync.KindSyncFinished && s.stats != nil {
		s.broadcastStats()
	}
}

func (s *Server) broadcastStats() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	msg, err := s.statsMessage(ctx)
	if err != nil {
		s.logger.Warn("failed to refresh stats", "error", err)
		return
	}
	s.Broadcast(msg)
}

func (s *Server) statsMessage(ctx context.Context) (Message, error) {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.stats == nil {
		return msg, nil
	}
	stats, err := s.stats.GetStats(ctx)
	if err != nil {
		return msg, err
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return msg, err
	}
	msg.Data = data
	return msg, nil
}

var _ sync.Notifier = (*Server)(nil)
