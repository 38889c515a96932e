package main

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"tradeboard/internal/domain"
)

func TestParseWidget(t *testing.T) {
	tests := []struct {
		arg          string
		wantKey      domain.Key
		wantInterval time.Duration
		wantErr      bool
	}{
		{"market-summary", domain.NewKey("market-summary", ""), defaultInterval, false},
		{"latest-trade:AAPL", domain.NewKey("latest-trade", "AAPL"), defaultInterval, false},
		{"latest-quote:MSFT@5s", domain.NewKey("latest-quote", "MSFT"), 5 * time.Second, false},
		{"news@1m", domain.NewKey("news", ""), time.Minute, false},
		{"news@soon", domain.Key{}, 0, true},
		{"news@-1s", domain.Key{}, 0, true},
		{":AAPL", domain.Key{}, 0, true},
	}
	for i, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			w, err := parseWidget(i, tt.arg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseWidget(%q) = %+v, want error", tt.arg, w)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseWidget(%q): %v", tt.arg, err)
			}
			if w.key != tt.wantKey || w.interval != tt.wantInterval {
				t.Errorf("parseWidget(%q) = %v@%v, want %v@%v", tt.arg, w.key, w.interval, tt.wantKey, tt.wantInterval)
			}
		})
	}
}

func TestBoardRows(t *testing.T) {
	b := newBoard()
	cb := b.callbacks()
	now := time.Now()
	fetched := now.Add(-5 * time.Second)

	cb.OnDataUpdate("w1", domain.Update{Data: []byte(`1`), LastFetchedAt: &fetched})
	cb.OnDataUpdate("w1", domain.Update{IsLoading: true})
	cb.OnDataUpdate("w2", domain.Update{Data: []byte(`2`), Error: "boom", Stale: true})
	cb.OnError("w3", "unknown feed")

	widgets := []widget{
		{id: "w1", key: domain.NewKey("a", "")},
		{id: "w2", key: domain.NewKey("b", "")},
		{id: "w3", key: domain.NewKey("c", "")},
		{id: "w4", key: domain.NewKey("d", "")},
	}
	rows := b.rows(widgets, map[string]bool{"w4": true}, now)

	want := []struct{ state, value string }{
		{"loading", "1"},
		{"error", "2"},
		{"pending", "unknown feed"},
		{"paused", ""},
	}
	for i, w := range want {
		if rows[i].state != w.state || rows[i].value != w.value {
			t.Errorf("row %d = %s/%q, want %s/%q", i, rows[i].state, rows[i].value, w.state, w.value)
		}
	}
	if rows[0].age != "5s" {
		t.Errorf("age = %q, want 5s", rows[0].age)
	}
}

type fakeController struct {
	calls []string
}

func (c *fakeController) Pause(id string) bool   { c.calls = append(c.calls, "pause "+id); return true }
func (c *fakeController) Resume(id string) bool  { c.calls = append(c.calls, "resume "+id); return true }
func (c *fakeController) Refresh(id string) bool { c.calls = append(c.calls, "refresh "+id); return true }

func key(s string) tea.KeyMsg {
	switch s {
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelKeys(t *testing.T) {
	ctl := &fakeController{}
	widgets := []widget{
		{id: "w1", key: domain.NewKey("a", "")},
		{id: "w2", key: domain.NewKey("b", "")},
	}
	var m tea.Model = newModel(widgets, newBoard(), ctl)
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 20})

	for _, k := range []string{"down", "p", "r", "p", "up", "R"} {
		m, _ = m.Update(key(k))
	}

	want := []string{"pause w2", "refresh w2", "resume w2", "refresh w1", "refresh w2"}
	if strings.Join(ctl.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", ctl.calls, want)
	}

	if _, cmd := m.Update(key("q")); cmd == nil {
		t.Error("q returned no command, want tea.Quit")
	}
}

func TestModelView(t *testing.T) {
	widgets := []widget{{id: "w1", key: domain.NewKey("market-summary", "")}}
	b := newBoard()
	b.callbacks().OnConnectionChange(domain.StatusConnected, true)

	var m tea.Model = newModel(widgets, b, &fakeController{})
	if got := m.View(); got != "Loading..." {
		t.Errorf("View before size = %q, want Loading...", got)
	}
	m, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 10})
	view := m.View()
	for _, want := range []string{"connected (simulated)", "w1", "market-summary:default", "pending"} {
		if !strings.Contains(view, want) {
			t.Errorf("View missing %q:\n%s", want, view)
		}
	}
}
