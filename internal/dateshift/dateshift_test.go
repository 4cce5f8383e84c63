package dateshift

import "testing"

func TestShift(t *testing.T) {
	tests := []struct {
		name   string
		date   string
		months int
		days   int
		want   string
	}{
		{"months carry into next years", "15.03.2024", 28, 0, "15.07.2026"},
		{"month end clamps to leap february", "31.01.2024", 1, 0, "29.02.2024"},
		{"month end clamps to common february", "31.03.2023", -1, 0, "28.02.2023"},
		{"months then days", "01.01.2024", 3, 9, "10.04.2024"},
		{"two digit year stays two digits", "15.03.24", 6, 0, "15.09.24"},
		{"two digit year above 50 is 19xx", "28.02.96", 0, 1, "29.02.96"},
		{"day rolls over year end", "31.12.2024", 0, 1, "01.01.2025"},
		{"negative months borrow a year", "15/03/2024", -3, 0, "15/12/2023"},
		{"slash always writes four digit year", "15/03/24", 0, 0, "15/03/2024"},
		{"iso stays iso", "2024-03-15", 1, 0, "2024-04-15"},
		{"dashed day first", "15-03-2024", 0, 2, "17-03-2024"},
		{"dashed value starting with 20 is written as iso", "20-03-2024", 0, 0, "2024-03-20"},
		{"single digit components are padded", "5.3.2024", 0, 0, "05.03.2024"},
		{"no shift keeps date", "15.03.2024", 0, 0, "15.03.2024"},
		{"invalid day of month", "29.02.2023", 1, 0, "29.02.2023"},
		{"day out of range", "32.01.2024", 1, 0, "32.01.2024"},
		{"month out of range", "15.13.2024", 1, 0, "15.13.2024"},
		{"year first with dots is rejected", "2024.03.15", 1, 0, "2024.03.15"},
		{"not a date", "Befund", 1, 0, "Befund"},
		{"two separators only", "15.03", 1, 0, "15.03"},
		{"mixed separators", "15/03-2024", 1, 0, "15/03-2024"},
		{"non numeric component", "15.Mä.2024", 1, 0, "15.Mä.2024"},
		{"huge month offset", "15.03.2024", 1 << 40, 0, "15.03.2024"},
		{"huge day offset", "15.03.2024", 0, -(1 << 40), "15.03.2024"},
		{"result before year one", "15.03.1900", -12 * 1900, 0, "15.03.1900"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.months, tt.days, nil)
			if got := s.Shift(tt.date, nil); got != tt.want {
				t.Errorf("Shift(%q) with (%d months, %d days) = %q, want %q",
					tt.date, tt.months, tt.days, got, tt.want)
			}
		})
	}
}

func TestShiftUsesGroups(t *testing.T) {
	s := New(6, 0, nil)

	tests := []struct {
		date   string
		groups []string
		want   string
	}{
		{"15.03.2024", []string{"15", "03", "2024"}, "15.09.2024"},
		{"2024-03-15", []string{"2024", "03", "15"}, "2024-09-15"},
		{"15.03.2024", []string{"15", "x", "2024"}, "15.09.2024"},
		{"15.03.2024", []string{"15"}, "15.09.2024"},
	}

	for _, tt := range tests {
		if got := s.Shift(tt.date, tt.groups); got != tt.want {
			t.Errorf("Shift(%q, %v) = %q, want %q", tt.date, tt.groups, got, tt.want)
		}
	}
}

func TestShiftPreservesInterval(t *testing.T) {
	s := New(6, 0, nil)

	admission := s.Shift("15.03.2024", nil)
	discharge := s.Shift("20.03.2024", nil)

	if admission != "15.09.2024" {
		t.Errorf("admission = %q, want 15.09.2024", admission)
	}
	if discharge != "20.09.2024" {
		t.Errorf("discharge = %q, want 20.09.2024", discharge)
	}
}

func TestDaysIn(t *testing.T) {
	tests := []struct {
		year, month, want int
	}{
		{2024, 2, 29},
		{2023, 2, 28},
		{1900, 2, 28},
		{2000, 2, 29},
		{2024, 4, 30},
		{2024, 12, 31},
	}
	for _, tt := range tests {
		if got := daysIn(tt.year, tt.month); got != tt.want {
			t.Errorf("daysIn(%d, %d) = %d, want %d", tt.year, tt.month, got, tt.want)
		}
	}
}

func TestFloorDiv(t *testing.T) {
	tests := []struct {
		a, b, want int
	}{
		{25, 12, 2},
		{-1, 12, -1},
		{-12, 12, -1},
		{-13, 12, -2},
		{0, 12, 0},
	}
	for _, tt := range tests {
		if got := floorDiv(tt.a, tt.b); got != tt.want {
			t.Errorf("floorDiv(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func BenchmarkShift(b *testing.B) {
	s := New(7, 13, nil)
	for i := 0; i < b.N; i++ {
		s.Shift("15.03.2024", nil)
	}
}
