package bot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"
	"pgregory.net/rapid"

	"restaurant-rewards/internal/config"
)

type fakeContext struct {
	tele.Context
	sender  *tele.User
	chat    *tele.Chat
	replies []string
}

func (f *fakeContext) Sender() *tele.User { return f.sender }
func (f *fakeContext) Chat() *tele.Chat   { return f.chat }
func (f *fakeContext) Text() string       { return "/mint" }

func (f *fakeContext) Reply(what interface{}, _ ...interface{}) error {
	f.replies = append(f.replies, fmt.Sprint(what))
	return nil
}

func counting(calls *int) tele.HandlerFunc {
	return func(tele.Context) error {
		*calls++
		return nil
	}
}

// Staff commands run if and only if the sender is in admin.ids.
func TestAdminMiddlewareProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		adminIDs := rapid.SliceOfN(rapid.Int64Range(1, 1000000000), 1, 10).Draw(t, "adminIDs")
		cfg := &config.Config{Admin: config.AdminConfig{IDs: adminIDs}}

		var userID int64
		if rapid.Bool().Draw(t, "pickAdmin") {
			userID = rapid.SampledFrom(adminIDs).Draw(t, "admin")
		} else {
			userID = rapid.Int64Range(1, 1000000000).Draw(t, "userID")
		}

		expected := false
		for _, id := range adminIDs {
			if id == userID {
				expected = true
				break
			}
		}

		calls := 0
		c := &fakeContext{sender: &tele.User{ID: userID}, chat: &tele.Chat{Type: tele.ChatPrivate}}
		if err := AdminMiddleware(cfg)(counting(&calls))(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if (calls == 1) != expected {
			t.Fatalf("admin check mismatch: userID=%d adminIDs=%v expected=%v calls=%d",
				userID, adminIDs, expected, calls)
		}
		if !expected && len(c.replies) != 1 {
			t.Fatalf("non-admin should get a permission reply, got %v", c.replies)
		}
	})
}

func TestPrivateChatMiddleware(t *testing.T) {
	calls := 0
	h := PrivateChatMiddleware()(counting(&calls))

	require.NoError(t, h(&fakeContext{sender: &tele.User{ID: 1}, chat: &tele.Chat{ID: -100, Type: tele.ChatGroup}}))
	require.NoError(t, h(&fakeContext{sender: &tele.User{ID: 1}, chat: &tele.Chat{ID: -101, Type: tele.ChatSuperGroup}}))
	require.NoError(t, h(&fakeContext{sender: nil, chat: &tele.Chat{ID: 1, Type: tele.ChatPrivate}}))
	assert.Equal(t, 0, calls)

	require.NoError(t, h(&fakeContext{sender: &tele.User{ID: 1}, chat: &tele.Chat{ID: 1, Type: tele.ChatPrivate}}))
	assert.Equal(t, 1, calls)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(tele.Context) error {
		panic("boom")
	})
	c := &fakeContext{sender: &tele.User{ID: 1}}

	require.NotPanics(t, func() { _ = h(c) })
	require.Len(t, c.replies, 1)
	assert.Contains(t, c.replies[0], "Something went wrong")
}

func TestLoggingMiddleware_PassesThrough(t *testing.T) {
	calls := 0
	h := LoggingMiddleware()(counting(&calls))
	require.NoError(t, h(&fakeContext{}))
	assert.Equal(t, 1, calls)
}
