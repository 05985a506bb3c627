package traffic

import (
	"testing"
	"time"
)

func TestUpdateComputesSpeedsAndTotals(t *testing.T) {
	m := NewMonitor(time.Second)
	start := time.Now()
	m.resetLocked(start)

	m.RecordUpload(100)
	m.RecordUpload(50)
	m.RecordDownload(1000)
	m.update(start.Add(time.Second))

	got := m.Stats()
	want := Stats{UploadSpeed: 150, DownloadSpeed: 1000, TotalUpload: 150, TotalDownload: 1000, ConnectedTime: time.Second}
	if got != want {
		t.Fatalf("Stats = %+v, want %+v", got, want)
	}

	m.RecordDownload(10)
	m.update(start.Add(2 * time.Second))
	got = m.Stats()
	if got.UploadSpeed != 0 || got.DownloadSpeed != 10 {
		t.Errorf("speeds = %d/%d, want 0/10", got.UploadSpeed, got.DownloadSpeed)
	}
	if got.TotalUpload != 150 || got.TotalDownload != 1010 {
		t.Errorf("totals = %d/%d, want 150/1010", got.TotalUpload, got.TotalDownload)
	}
}

func TestSpeedIsPerSecond(t *testing.T) {
	m := NewMonitor(500 * time.Millisecond)
	m.resetLocked(time.Now())
	m.RecordUpload(100)
	m.update(time.Now())
	if up, _ := m.Speeds(); up != 200 {
		t.Errorf("upload speed = %d, want 200", up)
	}
}

func TestReset(t *testing.T) {
	m := NewMonitor(time.Second)
	m.RecordUpload(5)
	m.RecordDownload(7)
	m.Reset()
	if up, down := m.Totals(); up != 0 || down != 0 {
		t.Errorf("totals after Reset = %d/%d", up, down)
	}
	if m.Stats() != (Stats{}) {
		t.Errorf("stats after Reset = %+v", m.Stats())
	}
}

func TestStartStopDeliversUpdates(t *testing.T) {
	m := NewMonitor(10 * time.Millisecond)
	updates := make(chan Stats, 16)
	m.OnUpdate(func(s Stats) {
		select {
		case updates <- s:
		default:
		}
	})

	m.Start()
	m.Start()
	m.RecordUpload(42)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.TotalUpload == 42 {
				m.Stop()
				m.Stop()
				if m.Stats() != (Stats{}) {
					t.Errorf("stats after Stop = %+v", m.Stats())
				}
				return
			}
		case <-deadline:
			t.Fatal("no update with the recorded upload")
		}
	}
}
