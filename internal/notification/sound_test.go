package notification

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/motionalarm/internal/config"
)

func TestPlayerCommand(t *testing.T) {
	testCases := []struct {
		name     string
		override string
		goos     string
		wantCmd  string
		wantArgs []string
		wantErr  error
	}{
		{"darwin default", "", "darwin", "afplay", []string{"alert.wav"}, nil},
		{"linux default", "", "linux", "aplay", []string{"-q", "alert.wav"}, nil},
		{"override with flags", "paplay --volume 40000", "linux", "paplay", []string{"--volume", "40000", "alert.wav"}, nil},
		{"unsupported platform", "", "plan9", "", nil, ErrSoundUnsupported},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, args, err := playerCommand(tc.override, tc.goos, "alert.wav")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if cmd != tc.wantCmd || !reflect.DeepEqual(args, tc.wantArgs) {
				t.Fatalf("got %s %v, want %s %v", cmd, args, tc.wantCmd, tc.wantArgs)
			}
		})
	}
}

func writeSoundFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alert.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSoundAlerter(t *testing.T) {
	for _, player := range []string{"true", "false"} {
		if _, err := exec.LookPath(player); err != nil {
			t.Skipf("%s not available: %v", player, err)
		}
	}
	file := writeSoundFile(t)

	ok, err := NewSoundAlerter(config.SoundConfig{Enabled: true, File: file, Player: "true"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSoundAlerter: %v", err)
	}
	if ok.Name() != "sound" {
		t.Errorf("Name = %q", ok.Name())
	}
	if err := ok.Alert(context.Background(), Event{ID: "a"}); err != nil {
		t.Fatalf("Alert with a succeeding player: %v", err)
	}

	failing, err := NewSoundAlerter(config.SoundConfig{Enabled: true, File: file, Player: "false"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSoundAlerter: %v", err)
	}
	if err := failing.Alert(context.Background(), Event{ID: "b"}); err == nil {
		t.Fatal("expected an error from a failing player")
	}
}

func TestSoundAlerterMissingFile(t *testing.T) {
	_, err := NewSoundAlerter(config.SoundConfig{Enabled: true, File: filepath.Join(t.TempDir(), "nope.wav"), Player: "true"}, zaptest.NewLogger(t))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestSoundAlerterMissingPlayer(t *testing.T) {
	file := writeSoundFile(t)
	_, err := NewSoundAlerter(config.SoundConfig{Enabled: true, File: file, Player: "no-such-player-binary"}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("expected an error for a missing player")
	}
}
