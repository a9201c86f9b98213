package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tokenflow/tokenflow/pkg/model"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "90s", want: 90 * time.Second},
		{in: "PT10M", want: 10 * time.Minute},
		{in: "PT1H30M", want: 90 * time.Minute},
		{in: "P1DT2H", want: 26 * time.Hour},
		{in: "P2W", want: 14 * 24 * time.Hour},
		{in: "PT1.5S", want: 1500 * time.Millisecond},
		{in: "P1M", want: 30 * 24 * time.Hour},
		{in: "P1Y", want: 365 * 24 * time.Hour},
		{in: "P", wantErr: true},
		{in: "PT", wantErr: true},
		{in: "P1DT", wantErr: true},
		{in: "P5", wantErr: true},
		{in: "PT1D", wantErr: true},
		{in: "-PT5M", wantErr: true},
		{in: "P999999999999D", wantErr: true},
		{in: "ten minutes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDueDate(t *testing.T) {
	tests := []struct {
		name    string
		timer   *model.TimerDefinition
		want    time.Time
		wantErr bool
	}{
		{name: "duration", timer: &model.TimerDefinition{Duration: "PT5M"}, want: testClock.Add(5 * time.Minute)},
		{name: "go duration", timer: &model.TimerDefinition{Duration: "90s"}, want: testClock.Add(90 * time.Second)},
		{name: "calendar month", timer: &model.TimerDefinition{Duration: "P1MT2H"}, want: time.Date(2024, 4, 1, 14, 0, 0, 0, time.UTC)},
		{name: "calendar year", timer: &model.TimerDefinition{Duration: "P1Y"}, want: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{name: "fractional month", timer: &model.TimerDefinition{Duration: "P1.5M"}, wantErr: true},
		{name: "dangling time designator", timer: &model.TimerDefinition{Duration: "P1DT"}, wantErr: true},
		{name: "date", timer: &model.TimerDefinition{Date: "2024-03-02T08:00:00Z"}, want: time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)},
		{name: "cycle", timer: &model.TimerDefinition{Cycle: "0 13 * * *"}, want: time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)},
		{name: "every", timer: &model.TimerDefinition{Cycle: "@every 1h"}, want: testClock.Add(time.Hour)},
		{name: "invalid cycle", timer: &model.TimerDefinition{Cycle: "often"}, wantErr: true},
		{name: "empty", timer: &model.TimerDefinition{}, wantErr: true},
		{name: "nil", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DueDate(tt.timer, testClock)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DueDate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestKeyedLocks(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	unlock, err := locks.lock(ctx, "a")
	if err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	other, err := locks.lock(ctx, "b")
	if err != nil {
		t.Fatalf("Expected a different key to be free, got %v", err)
	}
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(waitCtx, "a"); err == nil {
		t.Fatal("Expected locking a held key to wait until the context ends")
	}

	unlock()
	unlock()
	again, err := locks.lock(ctx, "a")
	if err != nil {
		t.Fatalf("Expected the key to be free after unlock, got %v", err)
	}
	again()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Errorf("Expected no lock entries left, got %d", len(locks.locks))
	}
}
