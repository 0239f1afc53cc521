package safety

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"signal-trading-bot/internal/ledger"
)

// KillSwitch reads the external halt instruction from three places, in
// precedence order: a file on disk, an environment variable, and the
// stored ledger flag. The file wins so an operator with shell access can
// halt the bot even when the database is unreachable.
type KillSwitch struct {
	file  string
	env   string
	flags FlagStore
	log   zerolog.Logger
}

func NewKillSwitch(file, env string, flags FlagStore, logger zerolog.Logger) *KillSwitch {
	return &KillSwitch{
		file:  file,
		env:   env,
		flags: flags,
		log:   logger.With().Str("component", "kill_switch").Logger(),
	}
}

// Check reads all three sources and returns the winning directive with
// the name of the source that produced it.
func (k *KillSwitch) Check(ctx context.Context) (Directive, string) {
	if d := k.checkFile(); d != DirectiveNone {
		return d, "file"
	}
	if k.env != "" {
		if d := parseValueDirective(os.Getenv(k.env)); d != DirectiveNone {
			return d, "env"
		}
	}
	if k.flags != nil {
		stored, err := k.flags.GetSystemFlag(ctx, ledger.FlagKillSwitch)
		if err != nil {
			k.log.Warn().Err(err).Msg("stored kill-switch flag unreadable")
		} else if d := parseValueDirective(stored); d != DirectiveNone {
			return d, "flag"
		}
	}
	return DirectiveNone, ""
}

func (k *KillSwitch) checkFile() Directive {
	if k.file == "" {
		return DirectiveNone
	}
	content, err := os.ReadFile(k.file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DirectiveNone
		}
		// The file exists but cannot be read; treat it as a halt order.
		k.log.Warn().Err(err).Str("file", k.file).Msg("kill-switch file unreadable")
		return DirectiveSafeMode
	}
	return parseFileDirective(string(content))
}

// Watch reacts to kill-switch file changes between daemon ticks. The
// containing directory is watched so creating the file is seen too. The
// daemon's per-tick Check remains the fallback when watching fails.
func (k *KillSwitch) Watch(ctx context.Context, onChange func(Directive, string)) error {
	if k.file == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(k.file)); err != nil {
		return err
	}
	target := filepath.Clean(k.file)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d, source := k.Check(ctx)
			k.log.Info().Str("op", ev.Op.String()).Str("directive", d.String()).Msg("kill-switch file changed")
			onChange(d, source)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			k.log.Warn().Err(err).Msg("kill-switch watcher error")
		}
	}
}

// parseFileDirective reads kill-switch file content. The file existing at
// all is a halt order, so unknown content still means SAFE_MODE; only
// explicit panic spellings escalate.
func parseFileDirective(content string) Directive {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "panic", "panic_close", "2":
		return DirectivePanicClose
	default:
		return DirectiveSafeMode
	}
}

// parseValueDirective reads env and stored-flag values. Unlike the file,
// an empty or unrecognized value carries no directive.
func parseValueDirective(v string) Directive {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "safe", "safe_mode":
		return DirectiveSafeMode
	case "panic", "panic_close", "2":
		return DirectivePanicClose
	default:
		return DirectiveNone
	}
}
