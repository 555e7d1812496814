package conversations

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	"github.com/go-go-golems/coursechat/pkg/events"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.ConversationEvent
}

func (r *recordingEmitter) Emit(_ context.Context, ev events.ConversationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// failingTouchStore fails every last_updated bump.
type failingTouchStore struct {
	*chatstore.SQLiteStore
}

func (failingTouchStore) TouchConversation(context.Context, string, int64) error {
	return errors.New("touch failed")
}

func openStore(t *testing.T) *chatstore.SQLiteStore {
	t.Helper()
	dsn, err := chatstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	s, err := chatstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// steppingClock returns a strictly increasing time on every call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.UnixMilli(1_000)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestService_CreateListUpdateDelete(t *testing.T) {
	em := &recordingEmitter{}
	svc, err := NewService(ServiceOptions{Store: openStore(t), Emitter: em, Logger: zerolog.Nop(), Now: steppingClock()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Create(ctx, "", CreateInput{ConvID: "c1"})
	require.True(t, chaterrors.Is(err, chaterrors.KindUnauthorized))

	_, err = svc.Create(ctx, "u1", CreateInput{})
	require.True(t, chaterrors.Is(err, chaterrors.KindValidation))

	_, err = svc.Create(ctx, "u1", CreateInput{ConvID: "c1", Metadata: json.RawMessage(`{not json`)})
	require.True(t, chaterrors.Is(err, chaterrors.KindValidation))

	c1, err := svc.Create(ctx, "u1", CreateInput{ConvID: "c1", Title: "Intro", Metadata: json.RawMessage(`{"course":"bio"}`)})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u1", CreateInput{ConvID: "c2", Title: "Lab"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, "u2", CreateInput{ConvID: "c1"})
	require.True(t, chaterrors.Is(err, chaterrors.KindConflict))

	title := "Intro to biology"
	updated, err := svc.Update(ctx, "u1", "c1", UpdateInput{Title: &title})
	require.NoError(t, err)
	require.Equal(t, title, updated.Title)
	require.JSONEq(t, `{"course":"bio"}`, string(updated.Metadata))
	require.Greater(t, updated.LastUpdatedMs, c1.LastUpdatedMs)

	list, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c1", list[0].ConvID)

	require.NoError(t, svc.SoftDelete(ctx, "u1", "c1"))
	list, err = svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "c2", list[0].ConvID)

	err = svc.Authorize(ctx, "u1", "c1")
	require.True(t, chaterrors.Is(err, chaterrors.KindNotFound))

	require.Equal(t, []events.EventType{
		events.EventConversationCreated,
		events.EventConversationCreated,
		events.EventConversationUpdated,
		events.EventConversationDeleted,
	}, em.types())
}

func TestService_UpdateNullMetadataLeavesMetadata(t *testing.T) {
	svc, err := NewService(ServiceOptions{Store: openStore(t), Logger: zerolog.Nop(), Now: steppingClock()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Create(ctx, "u1", CreateInput{ConvID: "c1", Title: "Intro", Metadata: json.RawMessage(`{"course":"bio"}`)})
	require.NoError(t, err)

	var in UpdateInput
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Renamed","metadata":null}`), &in))
	updated, err := svc.Update(ctx, "u1", "c1", in)
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Title)
	require.JSONEq(t, `{"course":"bio"}`, string(updated.Metadata))

	got, err := svc.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	require.JSONEq(t, `{"course":"bio"}`, string(got.Metadata))
}

func TestService_AppendBumpsLastUpdated(t *testing.T) {
	em := &recordingEmitter{}
	svc, err := NewService(ServiceOptions{Store: openStore(t), Emitter: em, Logger: zerolog.Nop(), Now: steppingClock()})
	require.NoError(t, err)
	ctx := context.Background()

	c, err := svc.Create(ctx, "u1", CreateInput{ConvID: "c1"})
	require.NoError(t, err)

	res, err := svc.Append(ctx, "u1", "c1", AppendInput{Type: chatstore.MessageTypeUser, Content: "What is ATP?"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.SequenceNumber)

	after, err := svc.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Greater(t, after.LastUpdatedMs, c.LastUpdatedMs)

	_, err = svc.Append(ctx, "u1", "c1", AppendInput{Type: "tool", Content: "x"})
	require.True(t, chaterrors.Is(err, chaterrors.KindValidation))

	msgs, err := svc.Load(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = svc.Load(ctx, "u2", "c1")
	require.True(t, chaterrors.Is(err, chaterrors.KindNotFound))

	require.Equal(t, events.EventMessageAppended, em.types()[1])
}

func TestService_AppendSucceedsWhenBumpFails(t *testing.T) {
	store := failingTouchStore{SQLiteStore: openStore(t)}
	svc, err := NewService(ServiceOptions{Store: store, Logger: zerolog.Nop(), Now: steppingClock()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Create(ctx, "u1", CreateInput{ConvID: "c1"})
	require.NoError(t, err)

	res, err := svc.Append(ctx, "u1", "c1", AppendInput{Type: chatstore.MessageTypeAssistant, Content: "ATP is..."})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.SequenceNumber)
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(ServiceOptions{})
	require.ErrorContains(t, err, "store is nil")
}
