package moderator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/countkeeper/countkeeper/counting"
	"github.com/countkeeper/countkeeper/discord"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("moderator")

// Deletes a message on the chat platform. Implemented by *discord.Client.
type Deleter interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

type deleteTask struct {
	ChannelID string
	MessageID string
	AuthorID  string
	Verdict   counting.Verdict
}

// Glue between gateway message events, the counting session, and message deletion.
//
// Messages are evaluated synchronously, in the order HandleMessage is called. Deletions are queued and performed by a single worker (RunDeleter), so they happen out-of-band but in the same order the messages were judged.
type Moderator struct {
	Session *counting.Session
	Deleter Deleter
	Logger  *slog.Logger

	queue chan deleteTask

	lk     sync.RWMutex
	selfID string
}

func New(session *counting.Session, deleter Deleter, queueSize int, logger *slog.Logger) *Moderator {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Moderator{
		Session: session,
		Deleter: deleter,
		Logger:  logger.With("system", "moderator"),
		queue:   make(chan deleteTask, queueSize),
	}
}

// Records the bot's own user ID, so its own messages are ignored.
func (m *Moderator) SetSelfID(id string) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.selfID = id
}

func (m *Moderator) SelfID() string {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return m.selfID
}

// Gateway READY callback.
func (m *Moderator) HandleReady(ctx context.Context, ready *discord.Ready) {
	m.SetSelfID(ready.User.ID)
	rules := m.Session.Rules()
	m.Logger.Info("bot logged in", "user", ready.User.Username, "id", ready.User.ID, "guild", rules.GuildID, "channel", rules.ChannelID)
}

// Converts a platform message into the form the counting rules consume.
func (m *Moderator) IncomingMessage(msg *discord.Message) counting.IncomingMessage {
	selfID := m.SelfID()
	return counting.IncomingMessage{
		MessageID:  msg.ID,
		AuthorID:   msg.Author.ID,
		GuildID:    msg.GuildID,
		ChannelID:  msg.ChannelID,
		RawText:    msg.Content,
		IsFromSelf: selfID != "" && msg.Author.ID == selfID,
	}
}

// Gateway MESSAGE_CREATE callback. Evaluates the message and queues a deletion if required.
func (m *Moderator) HandleMessage(ctx context.Context, msg *discord.Message) {
	// similar to an HTTP server, we want to recover any panics from message handling
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error("message handling exception", "err", r, "message", msg.ID, "channel", msg.ChannelID)
		}
	}()

	ctx, span := tracer.Start(ctx, "HandleMessage")
	defer span.End()

	in := m.IncomingMessage(msg)
	out := m.Session.Handle(in)
	v := out.Verdict

	span.SetAttributes(
		attribute.String("verdict", v.Kind.String()),
		attribute.String("reason", v.Reason),
		attribute.Int64("count", int64(out.State.Count)),
	)

	if v.Kind == counting.Ignore {
		return
	}

	logger := m.Logger.With("message", in.MessageID, "author", in.AuthorID, "verdict", v.Kind.String(), "reason", v.Reason, "prior", v.Prior)
	switch out.Action {
	case counting.ActionDeleteMessage:
		logger.Debug("queueing message deletion")
		m.enqueue(deleteTask{
			ChannelID: in.ChannelID,
			MessageID: in.MessageID,
			AuthorID:  in.AuthorID,
			Verdict:   v,
		})
	default:
		logger.Debug("no action for message", "notice", out.Notice.String(), "count", out.State.Count)
	}
}

// Never blocks message evaluation: when the queue is full the deletion is dropped.
func (m *Moderator) enqueue(task deleteTask) {
	select {
	case m.queue <- task:
		deleteQueueDepth.Set(float64(len(m.queue)))
	default:
		deleteQueueDropped.Inc()
		m.Logger.Error("delete queue full, dropping deletion", "message", task.MessageID, "prior", task.Verdict.Prior, "reason", task.Verdict.Reason)
	}
}

// Performs queued deletions one at a time, in order, until the context is cancelled.
func (m *Moderator) RunDeleter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(m.queue); n > 0 {
				m.Logger.Warn("shutting down with pending deletions", "pending", n)
			}
			return nil
		case task := <-m.queue:
			deleteQueueDepth.Set(float64(len(m.queue)))
			m.deleteMessage(ctx, task)
		}
	}
}

// Best-effort deletion. Failures are logged and counted, never returned: they must not affect counting state.
func (m *Moderator) deleteMessage(ctx context.Context, task deleteTask) {
	logger := m.Logger.With("message", task.MessageID, "channel", task.ChannelID, "author", task.AuthorID, "prior", task.Verdict.Prior, "reason", task.Verdict.Reason)

	err := m.Deleter.DeleteMessage(ctx, task.ChannelID, task.MessageID)
	switch {
	case err == nil:
		deletesTotal.WithLabelValues("ok").Inc()
		logger.Info("deleted message")
	case discord.IsNotFound(err):
		deletesTotal.WithLabelValues("not_found").Inc()
		logger.Warn("failed to delete message, already gone", "err", err)
	case discord.IsForbidden(err):
		deletesTotal.WithLabelValues("forbidden").Inc()
		logger.Warn("failed to delete message, missing permission", "err", err)
	default:
		deletesTotal.WithLabelValues("error").Inc()
		logger.Error("failed to delete message", "err", err)
	}
}
