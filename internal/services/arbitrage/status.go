package arbitrage

import (
	"sync"
	"time"

	"arb-market/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	// MaxLogs bounds the in-memory log ring
	MaxLogs = 100

	// OpportunityTTL is how long an active opportunity stays in BotStatus
	// without being seen again.
	OpportunityTTL = 5 * time.Second
)

type StatusListener func(models.BotStatus)

type LogListener func(models.LogEntry)

// StatusService holds the execution loop state and a bounded log ring.
// Both can be read point-in-time or observed through listeners.
type StatusService struct {
	logger *logrus.Logger
	now    func() time.Time

	mu              sync.Mutex
	status          models.BotStatus
	logs            []models.LogEntry // most recent first
	nextID          uint64
	statusListeners map[uint64]StatusListener
	logListeners    map[uint64]LogListener
}

func NewStatusService(logger *logrus.Logger) *StatusService {
	return &StatusService{
		logger:          logger,
		now:             time.Now,
		status:          models.BotStatus{ActiveOpportunities: make(map[string]models.ActiveOpportunity)},
		statusListeners: make(map[uint64]StatusListener),
		logListeners:    make(map[uint64]LogListener),
	}
}

// Status returns a copy of the current state
func (s *StatusService) Status() models.BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyStatusLocked()
}

func (s *StatusService) SetRunning(running bool) {
	s.update(func(st *models.BotStatus) {
		st.IsRunning = running
	})
}

func (s *StatusService) SetBalance(bnb string) {
	s.update(func(st *models.BotStatus) {
		st.Balance = &models.Balance{BNB: bnb}
	})
}

// UpdateOpportunity records route as the active opportunity for symbol and
// prunes entries not seen within OpportunityTTL.
func (s *StatusService) UpdateOpportunity(symbol string, route models.ArbitrageRoute) {
	s.update(func(st *models.BotStatus) {
		now := s.now().UnixMilli()
		st.ActiveOpportunities[symbol] = models.ActiveOpportunity{ArbitrageRoute: route, FoundAt: now}
		pruneLocked(st, now)
		st.LastCheckedAt = now
	})
}

// UpdateLastCheck marks a detector pass. Expired opportunities are pruned
// here too so they disappear even when nothing new is found.
func (s *StatusService) UpdateLastCheck() {
	s.update(func(st *models.BotStatus) {
		now := s.now().UnixMilli()
		pruneLocked(st, now)
		st.LastCheckedAt = now
	})
}

func pruneLocked(st *models.BotStatus, nowMs int64) {
	for symbol, op := range st.ActiveOpportunities {
		if nowMs-op.FoundAt > OpportunityTTL.Milliseconds() {
			delete(st.ActiveOpportunities, symbol)
		}
	}
}

// AddLog appends to the ring and mirrors the message to the process logger
func (s *StatusService) AddLog(level models.LogLevel, message string) {
	switch level {
	case models.LogError:
		s.logger.Error(message)
	case models.LogWarn:
		s.logger.Warn(message)
	default:
		s.logger.Info(message)
	}

	s.mu.Lock()
	entry := models.LogEntry{Timestamp: s.now().UnixMilli(), Level: level, Message: message}
	s.logs = append([]models.LogEntry{entry}, s.logs...)
	if len(s.logs) > MaxLogs {
		s.logs = s.logs[:MaxLogs]
	}
	listeners := make([]LogListener, 0, len(s.logListeners))
	for _, l := range s.logListeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(entry)
	}
}

// RecentLogs returns up to MaxLogs entries, most recent first
func (s *StatusService) RecentLogs() []models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// SubscribeStatus calls l with the current status right away and then on
// every change. The returned func removes the listener.
func (s *StatusService) SubscribeStatus(l StatusListener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.statusListeners[id] = l
	current := s.copyStatusLocked()
	s.mu.Unlock()

	l(current)

	return func() {
		s.mu.Lock()
		delete(s.statusListeners, id)
		s.mu.Unlock()
	}
}

// SubscribeLogs calls l for every new log entry
func (s *StatusService) SubscribeLogs(l LogListener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.logListeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.logListeners, id)
		s.mu.Unlock()
	}
}

func (s *StatusService) update(fn func(*models.BotStatus)) {
	s.mu.Lock()
	fn(&s.status)
	snapshot := s.copyStatusLocked()
	listeners := make([]StatusListener, 0, len(s.statusListeners))
	for _, l := range s.statusListeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func (s *StatusService) copyStatusLocked() models.BotStatus {
	out := s.status
	out.ActiveOpportunities = make(map[string]models.ActiveOpportunity, len(s.status.ActiveOpportunities))
	for k, v := range s.status.ActiveOpportunities {
		out.ActiveOpportunities[k] = v
	}
	if s.status.Balance != nil {
		b := *s.status.Balance
		out.Balance = &b
	}
	return out
}
