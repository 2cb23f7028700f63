package main

import (
	"context"
	"flag"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	lc "github.com/linnemanlabs/locus/internal/cfg"
	"github.com/linnemanlabs/locus/internal/trigger"
)

func TestNotifySystemd(t *testing.T) {
	// Not parallel: each case sets NOTIFY_SOCKET.

	tests := []struct {
		name    string
		socket  func(t *testing.T) (path string, read func() string)
		wantErr string
	}{
		{
			name:    "unset",
			socket:  func(*testing.T) (string, func() string) { return "", nil },
			wantErr: "NOTIFY_SOCKET not set",
		},
		{
			name: "missing socket",
			socket: func(t *testing.T) (string, func() string) {
				return filepath.Join(t.TempDir(), "gone.sock"), nil
			},
			wantErr: "dial failed",
		},
		{
			name: "listener receives ready",
			socket: func(t *testing.T) (string, func() string) {
				path := filepath.Join(t.TempDir(), "notify.sock")
				var lcfg net.ListenConfig
				conn, err := lcfg.ListenPacket(context.Background(), "unixgram", path)
				if err != nil {
					t.Fatalf("listen unixgram: %v", err)
				}
				t.Cleanup(func() { _ = conn.Close() })
				return path, func() string {
					_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
					buf := make([]byte, 64)
					n, _, err := conn.ReadFrom(buf)
					if err != nil {
						t.Fatalf("read notify datagram: %v", err)
					}
					return string(buf[:n])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, read := tt.socket(t)
			t.Setenv("NOTIFY_SOCKET", path)

			err := notifySystemd()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("notifySystemd() = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("notifySystemd() = %v", err)
			}
			if got := read(); got != "READY=1" {
				t.Errorf("datagram = %q, want READY=1", got)
			}
		})
	}
}

// The app flags must register alongside each other on one FlagSet and
// produce a config that validates and drives the pipeline wiring.
func TestAppFlags_DefaultsBuildPipeline(t *testing.T) {
	t.Parallel()

	var c lc.Config
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse([]string{"-high-value-cells", testCell}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	sink, closeFn, err := newSink(context.Background(), &c, log.Nop())
	if err != nil {
		t.Fatalf("newSink: %v", err)
	}
	defer closeFn()
	if sink == nil {
		t.Fatal("newSink returned nil sink")
	}

	cls, err := newClassifier(context.Background(), &c, log.Nop(), trigger.Hooks{})
	if err != nil {
		t.Fatalf("newClassifier: %v", err)
	}
	if d := cls.Classify(context.Background(), "dev-1", testCell, time.Now()); !d.Trigger {
		t.Errorf("default config should trigger in a configured cell, got %+v", d)
	}
}
