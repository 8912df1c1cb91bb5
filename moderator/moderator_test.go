package moderator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/countkeeper/countkeeper/counting"
	"github.com/countkeeper/countkeeper/discord"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeDeleter struct {
	lk      sync.Mutex
	deleted []string
	errs    map[string]error
	calls   chan string
}

func newFakeDeleter() *fakeDeleter {
	return &fakeDeleter{
		errs:  make(map[string]error),
		calls: make(chan string, 100),
	}
}

func (f *fakeDeleter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.lk.Lock()
	err := f.errs[messageID]
	if err == nil {
		f.deleted = append(f.deleted, messageID)
	}
	f.lk.Unlock()
	f.calls <- messageID
	return err
}

func (f *fakeDeleter) Deleted() []string {
	f.lk.Lock()
	defer f.lk.Unlock()
	return append([]string{}, f.deleted...)
}

func (f *fakeDeleter) waitCalls(t *testing.T, n int) []string {
	var out []string
	for i := 0; i < n; i++ {
		select {
		case id := <-f.calls:
			out = append(out, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delete call %d", i+1)
		}
	}
	return out
}

func discordMsg(id, author, text string) *discord.Message {
	return &discord.Message{
		ID:        id,
		ChannelID: "200",
		GuildID:   "100",
		Author:    discord.User{ID: author},
		Content:   text,
	}
}

func TestModeratorDeletesInOrder(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	del := newFakeDeleter()
	mod := New(counting.NewSession("100", "200", nil), del, 16, nil)
	go mod.RunDeleter(ctx)

	msgs := []*discord.Message{
		discordMsg("m1", "alice", "hello"), // uninitialized chatter: left alone
		discordMsg("m2", "alice", "1"),     // seed
		discordMsg("m3", "alice", "2"),     // author lock
		discordMsg("m4", "bob", "3"),       // wrong number
		discordMsg("m5", "bob", "2"),       // accepted
		discordMsg("m6", "carol", "hello"), // malformed after seed
		discordMsg("m7", "carol", "3"),     // accepted
	}
	for _, msg := range msgs {
		mod.HandleMessage(ctx, msg)
	}

	assert.Equal([]string{"m3", "m4", "m6"}, del.waitCalls(t, 3))
	assert.Equal(counting.ChannelState{Count: 3, LastAuthorID: "carol"}, mod.Session.State())
}

func TestModeratorIgnoresSelfAndOtherChannels(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	del := newFakeDeleter()
	mod := New(counting.NewSession("100", "200", nil), del, 16, nil)
	mod.HandleReady(ctx, &discord.Ready{User: discord.User{ID: "bot", Username: "countkeeper"}})
	assert.Equal("bot", mod.SelfID())

	mod.HandleMessage(ctx, discordMsg("m1", "alice", "5"))

	self := discordMsg("m2", "bot", "not a number")
	assert.True(mod.IncomingMessage(self).IsFromSelf)
	mod.HandleMessage(ctx, self)

	other := discordMsg("m3", "bob", "garbage")
	other.ChannelID = "201"
	mod.HandleMessage(ctx, other)

	dm := discordMsg("m4", "bob", "garbage")
	dm.GuildID = ""
	mod.HandleMessage(ctx, dm)

	assert.Equal(0, len(mod.queue))
	assert.Equal(counting.ChannelState{Count: 5, LastAuthorID: "alice"}, mod.Session.State())
}

func TestModeratorSwallowsDeleteErrors(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	del := newFakeDeleter()
	del.errs["m2"] = &discord.APIError{StatusCode: http.StatusNotFound}
	del.errs["m3"] = &discord.APIError{StatusCode: http.StatusForbidden}
	del.errs["m4"] = errors.New("connection reset")

	mod := New(counting.NewSession("100", "200", nil), del, 16, nil)
	go mod.RunDeleter(ctx)

	notFound := testutil.ToFloat64(deletesTotal.WithLabelValues("not_found"))
	forbidden := testutil.ToFloat64(deletesTotal.WithLabelValues("forbidden"))
	failed := testutil.ToFloat64(deletesTotal.WithLabelValues("error"))

	mod.HandleMessage(ctx, discordMsg("m1", "alice", "10"))
	mod.HandleMessage(ctx, discordMsg("m2", "bob", "12"))
	mod.HandleMessage(ctx, discordMsg("m3", "bob", "x"))
	mod.HandleMessage(ctx, discordMsg("m4", "alice", "11"))
	mod.HandleMessage(ctx, discordMsg("m5", "carol", "99"))

	assert.Equal([]string{"m2", "m3", "m4", "m5"}, del.waitCalls(t, 4))
	assert.Equal([]string{"m5"}, del.Deleted())

	// failures never touch the counting state
	assert.Equal(counting.ChannelState{Count: 10, LastAuthorID: "alice"}, mod.Session.State())

	assert.Equal(notFound+1, testutil.ToFloat64(deletesTotal.WithLabelValues("not_found")))
	assert.Equal(forbidden+1, testutil.ToFloat64(deletesTotal.WithLabelValues("forbidden")))
	assert.Equal(failed+1, testutil.ToFloat64(deletesTotal.WithLabelValues("error")))
}

func TestModeratorQueueFullDrops(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	del := newFakeDeleter()
	mod := New(counting.NewSession("100", "200", nil), del, 1, nil)
	dropped := testutil.ToFloat64(deleteQueueDropped)

	// no deleter running: the second deletion does not fit
	mod.HandleMessage(ctx, discordMsg("m1", "alice", "1"))
	mod.HandleMessage(ctx, discordMsg("m2", "bob", "5"))
	mod.HandleMessage(ctx, discordMsg("m3", "bob", "6"))

	assert.Equal(1, len(mod.queue))
	assert.Equal(dropped+1, testutil.ToFloat64(deleteQueueDropped))

	// evaluation was not blocked
	mod.HandleMessage(ctx, discordMsg("m4", "bob", "2"))
	assert.Equal(counting.ChannelState{Count: 2, LastAuthorID: "bob"}, mod.Session.State())
}
