package notification

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/config"
)

// SoundAlerter plays an audio file through the platform's command-line player.
type SoundAlerter struct {
	file   string
	player string
	args   []string
	logger *zap.Logger
}

// NewSoundAlerter fails when the file is missing or no player can be found.
func NewSoundAlerter(cfg config.SoundConfig, logger *zap.Logger) (*SoundAlerter, error) {
	if logger == nil {
		logger = zap.L()
	}
	if _, err := os.Stat(cfg.File); err != nil {
		return nil, fmt.Errorf("alert sound: %w", err)
	}

	player, args, err := playerCommand(cfg.Player, runtime.GOOS, cfg.File)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(player); err != nil {
		return nil, fmt.Errorf("alert sound player %q: %w", player, err)
	}

	return &SoundAlerter{
		file:   cfg.File,
		player: player,
		args:   args,
		logger: logger.Named("sound"),
	}, nil
}

// playerCommand picks the command that plays file. An explicit player is
// split on spaces and gets the file appended.
func playerCommand(override, goos, file string) (string, []string, error) {
	if fields := strings.Fields(override); len(fields) > 0 {
		return fields[0], append(fields[1:], file), nil
	}
	switch goos {
	case "darwin":
		return "afplay", []string{file}, nil
	case "linux":
		return "aplay", []string{"-q", file}, nil
	case "windows":
		script := fmt.Sprintf("(New-Object Media.SoundPlayer '%s').PlaySync()", strings.ReplaceAll(file, "'", "''"))
		return "powershell", []string{"-NoProfile", "-Command", script}, nil
	default:
		return "", nil, ErrSoundUnsupported
	}
}

func (s *SoundAlerter) Name() string { return "sound" }

// Alert plays the file once and returns when playback ends or ctx is done.
func (s *SoundAlerter) Alert(ctx context.Context, ev Event) error {
	cmd := exec.CommandContext(ctx, s.player, s.args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("play %s with %s: %w (%s)", s.file, s.player, err, strings.TrimSpace(string(out)))
	}
	s.logger.Debug("Alert sound played", zap.String("alert_id", ev.ID))
	return nil
}
