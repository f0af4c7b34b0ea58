package config

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	yaml "go.yaml.in/yaml/v3"
)

const reloadDebounce = 250 * time.Millisecond

// actionsFile mirrors ActionConfig with pointer fields so an omitted key keeps
// the base value instead of zeroing it.
type actionsFile struct {
	Profiles           map[string]farmagent.AppProfile `yaml:"profiles"`
	Patterns           []farmagent.InteractionPattern  `yaml:"patterns"`
	CommentTemplates   []string                        `yaml:"comment_templates"`
	ViewTimeMin        *time.Duration                  `yaml:"view_time_min"`
	ViewTimeMax        *time.Duration                  `yaml:"view_time_max"`
	LikeProbability    *float64                        `yaml:"like_probability"`
	CommentProbability *float64                        `yaml:"comment_probability"`
	FollowProbability  *float64                        `yaml:"follow_probability"`
	// ReplaceProfiles drops the base profiles instead of merging by name.
	ReplaceProfiles bool `yaml:"replace_profiles"`
}

// ParseActions overlays YAML data on base. Profiles merge by lowercase name
// unless replace_profiles is set; patterns and templates replace the base
// lists when present.
func ParseActions(data []byte, base farmagent.ActionConfig) (farmagent.ActionConfig, error) {
	var file actionsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return farmagent.ActionConfig{}, errors.Wrap(err, "decode actions yaml")
	}

	out := base
	profiles := make(map[string]farmagent.AppProfile, len(base.Profiles)+len(file.Profiles))
	if !file.ReplaceProfiles {
		for name, p := range base.Profiles {
			profiles[strings.ToLower(name)] = p
		}
	}
	for name, p := range file.Profiles {
		profiles[strings.ToLower(strings.TrimSpace(name))] = p
	}
	out.Profiles = profiles
	if file.Patterns != nil {
		out.Patterns = file.Patterns
	}
	if file.CommentTemplates != nil {
		out.CommentTemplates = file.CommentTemplates
	}
	if file.ViewTimeMin != nil {
		out.ViewTimeMin = *file.ViewTimeMin
	}
	if file.ViewTimeMax != nil {
		out.ViewTimeMax = *file.ViewTimeMax
	}
	if file.LikeProbability != nil {
		out.LikeProbability = *file.LikeProbability
	}
	if file.CommentProbability != nil {
		out.CommentProbability = *file.CommentProbability
	}
	if file.FollowProbability != nil {
		out.FollowProbability = *file.FollowProbability
	}
	return out.Validate()
}

// LoadActions reads path and overlays it on base. An empty path returns base.
func LoadActions(path string, base farmagent.ActionConfig) (farmagent.ActionConfig, error) {
	if strings.TrimSpace(path) == "" {
		return base.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return farmagent.ActionConfig{}, errors.Wrapf(err, "read actions file %s", path)
	}
	cfg, err := ParseActions(data, base)
	if err != nil {
		return farmagent.ActionConfig{}, errors.Wrapf(err, "actions file %s", path)
	}
	return cfg, nil
}

// WatchActions reloads path whenever it changes and hands the new config to
// apply. Invalid files are logged and skipped; the previous config stays
// active. It blocks until ctx is done.
func WatchActions(ctx context.Context, path string, base farmagent.ActionConfig, apply func(farmagent.ActionConfig) error) error {
	if strings.TrimSpace(path) == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create actions watcher")
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory and filter by name.
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	log.Info().Str("path", path).Msg("watching actions file")

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := LoadActions(path, base)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("actions reload rejected")
			return
		}
		if err := apply(cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("apply actions failed")
		}
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("actions watcher closed")
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug().Str("path", path).Str("op", ev.Op.String()).Msg("actions change detected")
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			timerMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("actions watcher closed")
			}
			log.Warn().Err(err).Str("path", path).Msg("actions watcher error")
		}
	}
}
