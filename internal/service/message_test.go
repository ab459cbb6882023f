package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/repository"
	"github.com/spagchat/internal/ws"
)

func TestSendMessageFansOutAndInvalidates(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob")
	team := e.group(t, "alice", "Team", "alice", "bob")

	before, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)
	require.Empty(t, before)

	msg := e.send(t, team.ID, "alice", "  hello  ")
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, []string{e.users["alice"]}, msg.ReadBy)
	require.NotNil(t, msg.Sender)
	require.Equal(t, "alice", msg.Sender.Username)

	received := e.hub.events(ws.EventMessageReceived)
	require.Len(t, received, 1)
	require.Equal(t, team.ID, received[0].room)
	require.Equal(t, msg.ID, received[0].payload.(model.Message).ID)

	after, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, msg.ID, after[0].ID)
	require.Equal(t, []string{e.users["alice"]}, after[0].ReadBy)
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob", "mallory")
	team := e.group(t, "alice", "Team", "alice", "bob")

	_, err := e.msgs.SendMessage(e.ctx, SendMessageInput{RoomID: team.ID, SenderID: e.users["mallory"], Content: "let me in"})
	requireKind(t, err, KindForbidden)

	msgs, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Empty(t, e.hub.events(ws.EventMessageReceived))
}

func TestSendMessageValidation(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice")
	team := e.group(t, "alice", "Solo", "alice")

	_, err := e.msgs.SendMessage(e.ctx, SendMessageInput{RoomID: team.ID, SenderID: e.users["alice"], Content: "   "})
	requireKind(t, err, KindValidation)

	_, err = e.msgs.SendMessage(e.ctx, SendMessageInput{RoomID: team.ID, SenderID: e.users["alice"], Content: strings.Repeat("x", maxContentLen+1)})
	requireKind(t, err, KindValidation)

	_, err = e.msgs.SendMessage(e.ctx, SendMessageInput{RoomID: "room", SenderID: e.users["alice"], Content: "hi"})
	requireKind(t, err, KindValidation)

	_, err = e.msgs.SendMessage(e.ctx, SendMessageInput{RoomID: uuid.New().String(), SenderID: e.users["alice"], Content: "hi"})
	requireKind(t, err, KindNotFound)
}

func TestEditMessage(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob")
	team := e.group(t, "alice", "Team", "alice", "bob")
	msg := e.send(t, team.ID, "alice", "draft")

	_, err := e.msgs.EditMessage(e.ctx, e.users["bob"], msg.ID, "hijack")
	requireKind(t, err, KindForbidden)

	_, err = e.msgs.EditMessage(e.ctx, e.users["alice"], msg.ID, " ")
	requireKind(t, err, KindValidation)

	edited, err := e.msgs.EditMessage(e.ctx, e.users["alice"], msg.ID, "final")
	require.NoError(t, err)
	require.Equal(t, "final", edited.Content)
	require.True(t, edited.IsEdited)
	require.Len(t, e.hub.events(ws.EventMessageEdited), 1)

	msgs, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)
	require.Equal(t, "final", msgs[0].Content)

	_, err = e.msgs.EditMessage(e.ctx, e.users["alice"], uuid.New().String(), "ghost")
	requireKind(t, err, KindNotFound)
}

func TestDeleteMessage(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob")
	team := e.group(t, "alice", "Team", "alice", "bob")
	keep := e.send(t, team.ID, "bob", "keep")
	gone := e.send(t, team.ID, "alice", "oops")

	_, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)

	requireKind(t, e.msgs.DeleteMessage(e.ctx, e.users["bob"], gone.ID), KindForbidden)
	require.NoError(t, e.msgs.DeleteMessage(e.ctx, e.users["alice"], gone.ID))
	require.NoError(t, e.msgs.DeleteMessage(e.ctx, e.users["alice"], gone.ID))

	deleted := e.hub.events(ws.EventMessageDeleted)
	require.Len(t, deleted, 1)
	require.Equal(t, ws.MessageDeletedPayload{MessageID: gone.ID, RoomID: team.ID}, deleted[0].payload)

	msgs, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, keep.ID, msgs[0].ID)

	_, err = e.msgs.EditMessage(e.ctx, e.users["alice"], gone.ID, "undo")
	requireKind(t, err, KindNotFound)
	_, err = e.msgs.MarkMessageRead(e.ctx, gone.ID, e.users["bob"])
	requireKind(t, err, KindNotFound)
	_, err = e.msgs.RoomOf(e.ctx, gone.ID)
	requireKind(t, err, KindNotFound)

	previews, err := e.rooms.RoomsForUser(e.ctx, e.users["alice"])
	require.NoError(t, err)
	require.Equal(t, "keep", previews[0].LastMessageContent)
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob", "carol")
	team := e.group(t, "alice", "Team", "alice", "bob")
	msg := e.send(t, team.ID, "alice", "read me")

	added, err := e.msgs.MarkMessageRead(e.ctx, msg.ID, e.users["bob"])
	require.NoError(t, err)
	require.True(t, added)

	added, err = e.msgs.MarkMessageRead(e.ctx, msg.ID, e.users["bob"])
	require.NoError(t, err)
	require.False(t, added)

	reads := e.hub.events(ws.EventMessagesRead)
	require.Len(t, reads, 1)
	require.Equal(t, ws.MessagesReadPayload{RoomID: team.ID, UserID: e.users["bob"], MessageID: msg.ID}, reads[0].payload)

	msgs, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)
	require.Equal(t, []string{e.users["alice"], e.users["bob"]}, msgs[0].ReadBy)

	_, err = e.msgs.MarkMessageRead(e.ctx, msg.ID, e.users["carol"])
	requireKind(t, err, KindForbidden)
}

func TestConcurrentSendsAreAllPersisted(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob")
	team := e.group(t, "alice", "Team", "alice", "bob")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := e.users["alice"]
			if i%2 == 1 {
				sender = e.users["bob"]
			}
			_, err := e.msgs.SendMessage(e.ctx, SendMessageInput{RoomID: team.ID, SenderID: sender, Content: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := e.msgs.GetMessages(e.ctx, team.ID)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	seen := map[string]bool{}
	for i, m := range msgs {
		require.False(t, seen[m.ID])
		seen[m.ID] = true
		if i > 0 {
			require.False(t, m.Timestamp.Before(msgs[i-1].Timestamp))
		}
	}
	require.Len(t, e.hub.events(ws.EventMessageReceived), n)
}

func TestSendMessagePushesOfflineMembers(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob", "carol")
	e.msgs.presence = fakePresence{e.users["carol"]: true}
	team := e.group(t, "alice", "Team", "alice", "bob", "carol")

	e.send(t, team.ID, "alice", "ping")

	require.Eventually(t, func() bool { return len(e.push.users()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{e.users["bob"]}, e.push.users())
	e.push.mu.Lock()
	got := e.push.sent[0]
	e.push.mu.Unlock()
	require.Equal(t, "Team", got.title)
	require.Equal(t, "ping", got.body)
	require.Equal(t, team.ID, got.data["room_id"])
}

// blockingPush holds every Notify until its context is cancelled.
type blockingPush struct {
	active, peak, total atomic.Int32
}

func (p *blockingPush) Notify(ctx context.Context, _, _, _ string, _ map[string]string) {
	n := p.active.Add(1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	p.total.Add(1)
	<-ctx.Done()
	p.active.Add(-1)
}

func TestPushWorkersAreBoundedAndStopOnCancel(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob", "carol", "dave")
	team := e.group(t, "alice", "Team", "alice", "bob", "carol", "dave")

	bp := &blockingPush{}
	msgs := NewMessageService(e.rooms, fakePresence{}, bp)
	for i := 0; i < 5; i++ {
		_, err := msgs.SendMessage(e.ctx, SendMessageInput{RoomID: team.ID, SenderID: e.users["alice"], Content: fmt.Sprint("m", i)})
		require.NoError(t, err)
	}
	require.Len(t, msgs.pushJobs, 15)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		msgs.RunPush(ctx, 3)
	}()
	require.Eventually(t, func() bool { return bp.active.Load() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push workers did not stop")
	}
	require.Equal(t, int32(3), bp.peak.Load())
	require.Zero(t, bp.active.Load())
}

func TestPushQueueDropsWhenFull(t *testing.T) {
	e := newTestEnv(t, Policy{}, nil)
	e.seed(t, "alice", "bob")
	team := e.group(t, "alice", "Team", "alice", "bob")

	msgs := NewMessageService(e.rooms, fakePresence{}, &fakePush{})
	for i := 0; i < pushQueueSize+5; i++ {
		_, err := msgs.SendMessage(e.ctx, SendMessageInput{RoomID: team.ID, SenderID: e.users["alice"], Content: "x"})
		require.NoError(t, err)
	}
	require.Len(t, msgs.pushJobs, pushQueueSize)
}

func TestErrorKinds(t *testing.T) {
	require.Equal(t, KindDependency, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindNotFound, KindOf(storeError(fmt.Errorf("wrap: %w", repository.ErrNotFound), "room")))
	require.Equal(t, KindConflict, KindOf(storeError(repository.ErrConflict, "room")))
	require.Equal(t, KindConflict, KindOf(storeError(repository.ErrAlreadyMember, "room")))

	err := storeError(repository.ErrNotFound, "room")
	require.Equal(t, "room not found", MessageOf(err))
	require.ErrorIs(t, err, repository.ErrNotFound)
}
