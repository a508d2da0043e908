package ui

import (
	"strings"
	"testing"
)

func TestColumns(t *testing.T) {
	hints := make([]MenuHint, 7)
	tests := []struct {
		rows int
		want []int
	}{
		{8, []int{7}},
		{3, []int{3, 3, 1}},
		{7, []int{7}},
	}
	for _, tt := range tests {
		cols := columns(hints, tt.rows)
		if len(cols) != len(tt.want) {
			t.Fatalf("rows=%d: %d columns, want %d", tt.rows, len(cols), len(tt.want))
		}
		for i, c := range cols {
			if len(c) != tt.want[i] {
				t.Errorf("rows=%d col %d: %d hints, want %d", tt.rows, i, len(c), tt.want[i])
			}
		}
	}
	if columns(nil, 3) != nil {
		t.Error("no hints should give no columns")
	}
}

func TestMenuRendersGlobalsLast(t *testing.T) {
	m := NewMenu(DefaultTheme(), 2)
	m.SetGlobal([]MenuHint{{Key: "q", Description: "Quit"}})
	m.Update([]MenuHint{{Key: "Enter", Description: "Open"}, {Key: "/", Description: "Filter"}})

	lines := strings.Split(m.GetText(false), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "<Enter>") || !strings.Contains(lines[0], "<q>") {
		t.Errorf("first row = %q, want Enter then q", lines[0])
	}
	if strings.Index(lines[0], "<q>") < strings.Index(lines[0], "<Enter>") {
		t.Error("global hint rendered before page hint")
	}
	if !strings.Contains(lines[1], "</>") {
		t.Errorf("second row = %q", lines[1])
	}
}
