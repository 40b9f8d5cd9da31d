package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestMonitor(probeURL string, interval time.Duration) *Monitor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewMonitor(http.DefaultClient, probeURL, interval, logger)
}

func TestMonitorStartsOnline(t *testing.T) {
	monitor := newTestMonitor("", 0)
	if !monitor.Online() {
		t.Fatalf("monitor should assume online at startup")
	}
}

func TestMonitorMarkTransitions(t *testing.T) {
	monitor := newTestMonitor("", 0)

	monitor.MarkOffline()
	if monitor.Online() {
		t.Fatalf("MarkOffline should flip the flag")
	}
	select {
	case <-monitor.Transitions():
		t.Fatalf("going offline must not signal a transition")
	default:
	}

	monitor.MarkOnline()
	if !monitor.Online() {
		t.Fatalf("MarkOnline should flip the flag back")
	}
	select {
	case <-monitor.Transitions():
	default:
		t.Fatalf("offline to online must emit exactly one transition signal")
	}
}

func TestMonitorRepeatedMarkOnlineDoesNotSignal(t *testing.T) {
	monitor := newTestMonitor("", 0)

	monitor.MarkOnline()
	monitor.MarkOnline()
	select {
	case <-monitor.Transitions():
		t.Fatalf("staying online must not signal")
	default:
	}
}

func TestMonitorTransitionSignalsCoalesce(t *testing.T) {
	monitor := newTestMonitor("", 0)

	for i := 0; i < 3; i++ {
		monitor.MarkOffline()
		monitor.MarkOnline()
	}

	<-monitor.Transitions()
	select {
	case <-monitor.Transitions():
		t.Fatalf("pending transition signals should coalesce into one")
	default:
	}
}

func TestMonitorProbeDrivesState(t *testing.T) {
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe should use HEAD, got %s", r.Method)
		}
	}))
	defer probe.Close()

	monitor := newTestMonitor(probe.URL, 5*time.Millisecond)
	monitor.MarkOffline()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !monitor.Online() {
		if time.Now().After(deadline) {
			t.Fatalf("successful probe should mark the monitor online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitorProbeFailureMarksOffline(t *testing.T) {
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	probeURL := probe.URL
	probe.Close()

	monitor := newTestMonitor(probeURL, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for monitor.Online() {
		if time.Now().After(deadline) {
			t.Fatalf("failed probe should mark the monitor offline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
