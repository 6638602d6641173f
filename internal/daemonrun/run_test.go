package daemonrun

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"reencoder/internal/api"
	"reencoder/internal/logging"
	"reencoder/internal/testsupport"
)

func TestBuildWiresRunningDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Workflow.AutoStart = false
	cfg.Library.Watch = false
	testsupport.WriteFile(t, filepath.Join(cfg.Library.TVDirs[0], "Show", "Show S01E01.mkv"), 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, cleanup, err := Build(ctx, cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer cleanup()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := api.NewClient(d.Address(), "", nil)
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := client.Status(ctx)
		if err == nil && status.Counts["needs_analysis"] == 1 {
			if !status.Running {
				t.Fatal("expected running daemon")
			}
			if len(status.Stages) != 3 || !status.Stages[0].Paused {
				t.Fatalf("expected paused stages without auto start, got %+v", status.Stages)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup scan not reflected in status: status=%+v err=%v", status, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	d.Stop()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reencoderd.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	if err := writePIDFile(""); err != nil {
		t.Fatalf("empty path should be ignored: %v", err)
	}
}
