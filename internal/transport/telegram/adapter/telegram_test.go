package adapter

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "cupwatch/internal/transport"
	"cupwatch/pkg/logx"
)

func offlineAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{Token: "123:test", Offline: true, Synchronous: true}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}

func TestTextUpdatesAreForwarded(t *testing.T) {
	t.Parallel()
	a := offlineAdapter(t)
	out := make(chan kit.Update, 4)
	a.out.Store((chan<- kit.Update)(out))

	a.ProcessUpdate(tele.Update{ID: 1, Message: &tele.Message{
		ID:     42,
		Text:   "/subscribe",
		Chat:   &tele.Chat{ID: 1001},
		Sender: &tele.User{ID: 7, Username: "mario"},
	}})
	a.ProcessUpdate(tele.Update{ID: 2, Message: &tele.Message{
		ID:   43,
		Text: "rssmra80a01h501u",
		Chat: &tele.Chat{ID: 1001},
	}})

	select {
	case up := <-out:
		require.NotNil(t, up.Message)
		assert.Equal(t, kit.UpdateMessage, up.Kind)
		assert.Equal(t, kit.Message{ID: 42, ChatID: 1001, FromID: 7, FromUsername: "mario", Text: "/subscribe"}, *up.Message)
	case <-time.After(time.Second):
		t.Fatal("command not forwarded")
	}
	select {
	case up := <-out:
		assert.Equal(t, "rssmra80a01h501u", up.Message.Text)
		assert.Zero(t, up.Message.FromID)
	case <-time.After(time.Second):
		t.Fatal("text not forwarded")
	}
}

func TestFullChannelDropsUpdates(t *testing.T) {
	t.Parallel()
	a := offlineAdapter(t)
	out := make(chan kit.Update, 1)
	a.out.Store((chan<- kit.Update)(out))

	for i := range 3 {
		a.ProcessUpdate(tele.Update{ID: i + 1, Message: &tele.Message{ID: i, Text: "x", Chat: &tele.Chat{ID: 1}}})
	}
	assert.Len(t, out, 1)
	assert.Equal(t, uint64(2), a.droppedUpdates.Load())
	assert.Equal(t, uint64(2), a.Dropped())
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	a := offlineAdapter(t)
	require.NoError(t, a.Stop(context.Background()))
}

func TestReplyMarkup(t *testing.T) {
	t.Parallel()
	assert.Nil(t, replyMarkup(&kit.SendOptions{}))

	rm := replyMarkup(&kit.SendOptions{RemoveKeyboard: true})
	require.NotNil(t, rm)
	assert.True(t, rm.RemoveKeyboard)

	rm = replyMarkup(&kit.SendOptions{Keyboard: [][]string{{"/check", "/subscribe"}, {"/done"}}})
	require.NotNil(t, rm)
	require.Len(t, rm.ReplyKeyboard, 2)
	assert.Len(t, rm.ReplyKeyboard[0], 2)
	assert.Equal(t, "/done", rm.ReplyKeyboard[1][0].Text)
	assert.True(t, rm.OneTimeKeyboard)
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8) + "\n", strings.Repeat("b", 8)}, splitText(s, 10))

	long := strings.Repeat("ü", 25)
	parts := splitText(long, 10)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 10)
	}
	assert.Equal(t, long, strings.Join(parts, ""))
}
