package mode

import (
	"testing"
	"time"
)

func TestIsOpen(t *testing.T) {
	s := Status{MarketStatus: "Open"}
	if !s.IsOpen() {
		t.Fatal("expected Open status to report IsOpen() true")
	}
	s.MarketStatus = "Closed"
	if s.IsOpen() {
		t.Fatal("expected Closed status to report IsOpen() false")
	}
}

func TestSleepDurationZeroWhenOpen(t *testing.T) {
	s := Status{MarketStatus: "Open"}
	if d := s.SleepDuration(); d != 0 {
		t.Fatalf("expected zero sleep duration when open, got %v", d)
	}
}

func TestSleepDurationCountsDownToFutureOpen(t *testing.T) {
	future := nowNY().Add(2 * time.Hour)
	s := Status{
		MarketStatus:  "Closed",
		PreMarketOpen: future.Format(naiveLayout),
		MarketOpen:    future.Add(time.Hour).Format(naiveLayout),
	}
	d := s.SleepDuration()
	if d <= 0 || d > 3*time.Hour {
		t.Fatalf("expected a sleep duration around 2h, got %v", d)
	}
}

func TestSleepDurationFallsBackToNextTradeDateWhenStale(t *testing.T) {
	past := nowNY().Add(-48 * time.Hour)
	next := nowNY().Add(24 * time.Hour)
	s := Status{
		MarketStatus:  "Closed",
		PreMarketOpen: past.Format(naiveLayout),
		MarketOpen:    past.Format(naiveLayout),
		NextTradeDate: next.Format("Jan 2, 2006"),
	}
	d := s.SleepDuration()
	if d <= 0 {
		t.Fatalf("expected a positive sleep duration anchored to next trade date, got %v", d)
	}
}

func TestSleepDurationMalformedTimestampsFallsBackToFiveMinutes(t *testing.T) {
	s := Status{MarketStatus: "Closed", PreMarketOpen: "not-a-timestamp", MarketOpen: "also-not-one"}
	if d := s.SleepDuration(); d != 5*time.Minute {
		t.Fatalf("expected 5m fallback for malformed timestamps, got %v", d)
	}
}
