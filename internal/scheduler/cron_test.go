package scheduler

import (
	"testing"
	"time"
)

func TestParseCronBasics(t *testing.T) {
	c, err := ParseCron("*/15 3 1 * 0")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Minute) != 4 || c.Minute[1] != 15 {
		t.Errorf("minute = %v", c.Minute)
	}
	if len(c.Hour) != 1 || c.Hour[0] != 3 {
		t.Errorf("hour = %v", c.Hour)
	}

	if _, err := ParseCron("* * * *"); err == nil {
		t.Error("4 fields must be rejected")
	}
	if _, err := ParseCron("61 * * * *"); err == nil {
		t.Error("out-of-range minute must be rejected")
	}
	if _, err := ParseCron("a * * * *"); err == nil {
		t.Error("non-numeric field must be rejected")
	}
	if _, err := ParseCron("10-5 * * * *"); err == nil {
		t.Error("inverted range must be rejected")
	}
}

func TestParseCronShorthands(t *testing.T) {
	cases := map[string]time.Time{
		"@hourly":  time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC),
		"@daily":   time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC),
		"@weekly":  time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC), // a Sunday
		"@monthly": time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		"@yearly":  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for expr, at := range cases {
		c, err := ParseCron(expr)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if !c.Matches(at) {
			t.Errorf("%s should match %s", expr, at)
		}
	}

	c, _ := ParseCron("@daily")
	if c.Matches(time.Date(2024, 5, 6, 0, 1, 0, 0, time.UTC)) {
		t.Error("@daily must not match 00:01")
	}
}

func TestCronRangesAndLists(t *testing.T) {
	c, err := ParseCron("0 9-17 * * 1-5")
	if err != nil {
		t.Fatal(err)
	}
	monday10 := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	saturday10 := time.Date(2024, 5, 4, 10, 0, 0, 0, time.UTC)
	if !c.Matches(monday10) {
		t.Error("weekday business hours should match")
	}
	if c.Matches(saturday10) {
		t.Error("saturday must not match")
	}

	c, err = ParseCron("5,35 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Matches(time.Date(2024, 5, 6, 10, 35, 0, 0, time.UTC)) {
		t.Error("listed minute should match")
	}
}

func TestCronNext(t *testing.T) {
	c, _ := ParseCron("30 4 * * *")
	from := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	next := c.Next(from)
	want := time.Date(2024, 5, 7, 4, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %s, want %s", next, want)
	}
}
