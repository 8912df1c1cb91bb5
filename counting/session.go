package counting

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrNotAccepted  = errors.New("verdict is not an accept")
	ErrStaleVerdict = errors.New("verdict was judged against a different count")
)

// Obligation for the platform glue after a message was handled.
type Action int

const (
	ActionNone Action = iota
	ActionDeleteMessage
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDeleteMessage:
		return "delete_message"
	default:
		return "unknown"
	}
}

// Diagnostic notice attached to accepted messages. Never an error.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeInitialized
	NoticeUpdated
)

func (n Notice) String() string {
	switch n {
	case NoticeNone:
		return "none"
	case NoticeInitialized:
		return "initialized"
	case NoticeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Action  Action
	Verdict Verdict
	Notice  Notice
	// state after the message was handled
	State ChannelState
}

// Owns the single mutable counting state for one guild+channel pair.
//
// All evaluate-then-apply sequences run under a single mutex, so messages handled concurrently are serialized and never judged against a state that an earlier message has not yet committed.
type Session struct {
	rules  Rules
	logger *slog.Logger

	lk    sync.Mutex
	state ChannelState
}

func NewSession(guildID, channelID string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		rules:  Rules{GuildID: guildID, ChannelID: channelID},
		logger: logger.With("system", "counting", "guild", guildID, "channel", channelID),
	}
}

func (s *Session) Rules() Rules {
	return s.rules
}

// Returns a copy of the current state.
func (s *Session) State() ChannelState {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.state
}

// Commits an accepted message to the state, using the number from the verdict and the author of the message.
//
// Returns ErrNotAccepted for any verdict other than Accept, and ErrStaleVerdict if the state moved on since the verdict was computed. State is unchanged on error.
func (s *Session) ApplyAccept(msg IncomingMessage, v Verdict) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, err := s.applyAccept(msg, v)
	return err
}

// caller must hold the lock
func (s *Session) applyAccept(msg IncomingMessage, v Verdict) (Notice, error) {
	if v.Kind != Accept {
		return NoticeNone, fmt.Errorf("applying %s verdict: %w", v.Kind, ErrNotAccepted)
	}
	if v.Prior != s.state.Count {
		return NoticeNone, fmt.Errorf("verdict prior=%d current=%d: %w", v.Prior, s.state.Count, ErrStaleVerdict)
	}
	notice := NoticeUpdated
	if !s.state.Initialized() {
		notice = NoticeInitialized
	}
	s.state = ChannelState{
		Count:        v.Number,
		LastAuthorID: msg.AuthorID,
	}
	return notice, nil
}

// Evaluates a message and applies the result to the session state, returning the action the caller must perform.
func (s *Session) Handle(msg IncomingMessage) Outcome {
	s.lk.Lock()
	defer s.lk.Unlock()

	v := s.rules.Evaluate(s.state, msg)
	out := Outcome{Verdict: v}

	switch v.Kind {
	case Accept:
		notice, err := s.applyAccept(msg, v)
		if err != nil {
			// not reachable while the lock is held across evaluate and apply
			s.logger.Error("failed to apply accepted message", "err", err, "message", msg.MessageID)
			break
		}
		out.Notice = notice
		switch notice {
		case NoticeInitialized:
			s.logger.Info("state initialized", "count", s.state.Count, "author", s.state.LastAuthorID)
		case NoticeUpdated:
			s.logger.Info("state updated", "count", s.state.Count, "author", s.state.LastAuthorID)
		}
	case Reject:
		if v.SuppressIfUninitialized && !s.state.Initialized() {
			break
		}
		out.Action = ActionDeleteMessage
	}

	out.State = s.state
	messagesHandled.WithLabelValues(v.Kind.String(), v.Reason).Inc()
	currentCount.Set(float64(s.state.Count))
	return out
}
