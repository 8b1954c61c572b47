package slash

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/taskpilot/internal/logger"
)

func openMenu(t *testing.T) *Menu {
	t.Helper()
	m := NewMenu(nil)
	m.InputChanged("/")
	require.True(t, m.IsOpen())
	require.Equal(t, 0, m.Selected())
	return m
}

func TestInputChanged(t *testing.T) {
	m := NewMenu(nil)
	assert.Equal(t, StateClosed, m.State())

	m.InputChanged("hello /add")
	assert.False(t, m.IsOpen(), "slash must be at input start")

	m.InputChanged("/co")
	assert.True(t, m.IsOpen())

	m.HandleKey(KeyDown, false)
	m.InputChanged("/com")
	assert.Equal(t, 0, m.Selected(), "typing resets the cursor")

	m.InputChanged("")
	assert.False(t, m.IsOpen())
}

func TestSelectionWraps(t *testing.T) {
	m := openMenu(t)
	last := len(Commands) - 1

	m.HandleKey(KeyUp, false)
	assert.Equal(t, last, m.Selected(), "up at 0 wraps to last")

	m.HandleKey(KeyDown, false)
	assert.Equal(t, 0, m.Selected(), "down at last wraps to 0")

	for i := 0; i < last; i++ {
		m.HandleKey(KeyDown, false)
	}
	assert.Equal(t, last, m.Selected())
	m.HandleKey(KeyDown, false)
	assert.Equal(t, 0, m.Selected())
}

func TestTabCommits(t *testing.T) {
	m := openMenu(t)
	m.HandleKey(KeyDown, false)
	m.HandleKey(KeyDown, false)

	act := m.HandleKey(KeyTab, false)
	assert.Equal(t, Action{Kind: ActionSetInput, Input: "/delete "}, act)
	assert.False(t, m.IsOpen())
}

func TestSelectCommits(t *testing.T) {
	m := openMenu(t)
	act := m.Select(3)
	assert.Equal(t, Action{Kind: ActionSetInput, Input: "/complete "}, act)
	assert.False(t, m.IsOpen())

	assert.Equal(t, Action{}, m.Select(99))
}

func TestEscapeCloses(t *testing.T) {
	m := openMenu(t)
	assert.Equal(t, Action{}, m.HandleKey(KeyEscape, false))
	assert.False(t, m.IsOpen())
}

func TestEnter(t *testing.T) {
	m := openMenu(t)
	assert.Equal(t, Action{}, m.HandleKey(KeyEnter, true), "shift+enter does nothing")
	assert.True(t, m.IsOpen())

	assert.Equal(t, Action{Kind: ActionSend}, m.HandleKey(KeyEnter, false))
	assert.False(t, m.IsOpen())

	assert.Equal(t, Action{Kind: ActionSend}, m.HandleKey(KeyEnter, false), "enter sends with menu closed")
	assert.Equal(t, Action{}, m.HandleKey(KeyEnter, true))
}

func TestClosedIgnoresNavigation(t *testing.T) {
	m := NewMenu(nil)
	assert.Equal(t, Action{}, m.HandleKey(KeyDown, false))
	assert.Equal(t, Action{}, m.HandleKey(KeyTab, false))
	assert.Equal(t, Action{}, m.HandleKey(KeyEscape, false))
	assert.False(t, m.IsOpen())
}

func TestMatching(t *testing.T) {
	m := NewMenu(nil)
	assert.Equal(t, []int{2}, m.Matching("/del"))
	assert.Equal(t, []int{3}, m.Matching("/complete 3"))
	assert.Len(t, m.Matching("/"), len(Commands))
	assert.Empty(t, m.Matching("/zzz"))
}

func TestRejectedTriggerIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLevel("debug")
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
		logger.SetLevel("info")
	})

	m := NewMenu(nil)
	m.fire(trigger("Bogus"))

	assert.Equal(t, StateClosed, m.State())
	assert.Contains(t, buf.String(), "slash menu trigger rejected")
	assert.Contains(t, buf.String(), `"trigger":"Bogus"`)
	assert.Contains(t, buf.String(), `"state":"Closed"`)
}
