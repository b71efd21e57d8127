package timeline

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestAppendKeepsOrder(t *testing.T) {
	s := NewStore("s1")
	a := NewMessage(RoleUser, "oi")
	b := NewMessage(RoleAssistant, "olá")
	c := NewMessage(RoleSystem, "aviso")
	require.NoError(t, s.Append(a))
	require.NoError(t, s.Append(b))
	require.NoError(t, s.Append(c))

	all := s.All()
	require.Len(t, all, 3)
	require.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
	require.Equal(t, uint64(3), s.Version())
}

func TestAppendRejectsInvalidAndDuplicate(t *testing.T) {
	s := NewStore("s1")

	m := NewMessage(RoleUser, "oi")
	m.ID = ""
	require.True(t, errors.Is(s.Append(m), ErrInvalidMessage))

	m = NewMessage(Role("operator"), "oi")
	require.True(t, errors.Is(s.Append(m), ErrInvalidMessage))

	m = NewMessage(RoleUser, "oi")
	require.NoError(t, s.Append(m))
	require.True(t, errors.Is(s.Append(m), ErrDuplicateMessage))
	require.Equal(t, 1, s.Len())
}

func TestReplaceLastMatchesByID(t *testing.T) {
	s := NewStore("s1")
	slot := NewMessage(RoleAssistant, "Ol")
	slot.Streaming = true
	require.NoError(t, s.Append(slot))
	// a message appended after the slot must not be the one replaced
	other := NewMessage(RoleSystem, "aviso")
	require.NoError(t, s.Append(other))

	require.NoError(t, s.ReplaceLast(slot.ID, "Olá, tudo bem?"))

	got, ok := s.Get(slot.ID)
	require.True(t, ok)
	require.Equal(t, "Olá, tudo bem?", got.Content)
	require.True(t, got.Streaming)
	o, _ := s.Get(other.ID)
	require.Equal(t, "aviso", o.Content)
	require.Equal(t, slot.ID, s.All()[0].ID)
}

func TestReplaceLastAfterFinalizeIsRejected(t *testing.T) {
	s := NewStore("s1")
	slot := NewMessage(RoleAssistant, "a")
	slot.Streaming = true
	require.NoError(t, s.Append(slot))
	require.NoError(t, s.Finalize(slot.ID))
	require.NoError(t, s.Finalize(slot.ID))
	require.True(t, s.IsFinalized(slot.ID))

	v := s.Version()
	err := s.ReplaceLast(slot.ID, "late")
	require.True(t, errors.Is(err, ErrFinalized))
	require.Equal(t, v, s.Version())

	got, _ := s.Get(slot.ID)
	require.Equal(t, "a", got.Content)
	require.False(t, got.Streaming)
}

func TestNonStreamingMessagesAreFinalOnAppend(t *testing.T) {
	s := NewStore("s1")
	m := NewMessage(RoleUser, "oi")
	require.NoError(t, s.Append(m))
	require.True(t, errors.Is(s.ReplaceLast(m.ID, "x"), ErrFinalized))
}

func TestReplaceAndFinalizeUnknownID(t *testing.T) {
	s := NewStore("s1")
	require.True(t, errors.Is(s.ReplaceLast("nope", "x"), ErrUnknownMessage))
	require.True(t, errors.Is(s.Finalize("nope"), ErrUnknownMessage))
}

func TestClearEmptiesAndBumpsVersion(t *testing.T) {
	s := NewStore("s1")
	m := NewMessage(RoleUser, "oi")
	require.NoError(t, s.Append(m))
	v := s.Version()

	s.Clear()
	require.Equal(t, 0, s.Len())
	require.Empty(t, s.All())
	require.Greater(t, s.Version(), v)
	_, ok := s.Get(m.ID)
	require.False(t, ok)
	// the id can be reused after a clear
	require.NoError(t, s.Append(m))
}

func TestAllReturnsCopy(t *testing.T) {
	s := NewStore("s1")
	require.NoError(t, s.Append(NewMessage(RoleUser, "oi")))
	all := s.All()
	all[0].Content = "mutated"
	require.Equal(t, "oi", s.All()[0].Content)
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	bus := NewInMemoryBus(16)
	defer func() { _ = bus.Close() }()

	s := NewStore("s1", WithBus(bus.Publisher, bus.Subscriber))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)

	slot := NewMessage(RoleAssistant, "O")
	slot.Streaming = true
	require.NoError(t, s.Append(slot))
	require.NoError(t, s.ReplaceLast(slot.ID, "Oi"))
	require.NoError(t, s.Finalize(slot.ID))
	s.Clear()

	var got []Update
	require.Eventually(t, func() bool {
		for {
			select {
			case u := <-ch:
				got = append(got, u)
			default:
				return len(got) == 4
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	// the in-process transport does not preserve order across messages
	sort.Slice(got, func(i, j int) bool { return got[i].Version < got[j].Version })
	require.Equal(t, UpdateAppended, got[0].Kind)
	require.Equal(t, UpdateReplaced, got[1].Kind)
	require.Equal(t, "Oi", got[1].Message.Content)
	require.Equal(t, UpdateFinalized, got[2].Kind)
	require.Equal(t, UpdateCleared, got[3].Kind)
	require.Nil(t, got[3].Message)
	for i, u := range got {
		require.Equal(t, "s1", u.SessionID)
		require.Equal(t, uint64(i+1), u.Version)
	}
}

func TestSubscribeWithoutBus(t *testing.T) {
	s := NewStore("s1")
	_, err := s.Subscribe(context.Background())
	require.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Assistant ")
	require.NoError(t, err)
	require.Equal(t, RoleAssistant, r)

	_, err = ParseRole("operator")
	require.True(t, errors.Is(err, ErrUnknownRole))

	var role Role
	require.Error(t, role.UnmarshalText([]byte("bot")))
	require.NoError(t, role.UnmarshalText([]byte("system")))
	require.Equal(t, RoleSystem, role)
}

func TestBuildBusDefaultsToInMemory(t *testing.T) {
	bus, err := BuildBus(DefaultBusSettings())
	require.NoError(t, err)
	require.NotNil(t, bus.Publisher)
	require.NoError(t, bus.Close())

	s := DefaultBusSettings()
	s.Redis.Enabled = true
	s.Redis.Addr = " "
	_, err = BuildBus(s)
	require.Error(t, err)
}
