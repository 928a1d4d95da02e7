package content

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
)

const (
	classesDir     = "classes"
	scenarioFile   = "scenario.txt"
	conundrumsDir  = "conundrums"
	actionPlansDir = "actionplans"
	referenceExt   = ".txt"
)

// Library resolves class material by name on top of a Store.
type Library struct {
	store      Store
	contentDir string
	logger     *slog.Logger
}

// NewLibrary returns a library reading reference content from
// classes/<class>/<contentDir>.
func NewLibrary(store Store, contentDir string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{store: store, contentDir: contentDir, logger: logger}
}

// Scenario returns the class-wide scenario text, or "" if the class has
// none.
func (l *Library) Scenario(ctx context.Context, class string) string {
	if !ValidName(class) {
		return ""
	}
	text, _ := l.store.Fetch(ctx, path.Join(classesDir, class, scenarioFile))
	return text
}

// Conundrum returns the lesson text. A missing lesson is ErrNotFound.
func (l *Library) Conundrum(ctx context.Context, class, lesson string) (string, error) {
	return l.required(ctx, class, conundrumsDir, lesson, "conundrum")
}

// ActionPlan returns the action plan text. A missing plan is ErrNotFound.
func (l *Library) ActionPlan(ctx context.Context, class, plan string) (string, error) {
	return l.required(ctx, class, actionPlansDir, plan, "action plan")
}

func (l *Library) required(ctx context.Context, class, dir, name, kind string) (string, error) {
	if !ValidName(class) || !ValidName(name) {
		return "", fmt.Errorf("%s %q in class %q: %w", kind, name, class, ErrNotFound)
	}
	text, ok := l.store.Fetch(ctx, path.Join(classesDir, class, dir, name))
	if !ok {
		return "", fmt.Errorf("%s %q in class %q: %w", kind, name, class, ErrNotFound)
	}
	return text, nil
}

// Reference returns the reference content stored under key. Invalid
// keys are reported as absent.
func (l *Library) Reference(ctx context.Context, class, key string) (string, bool) {
	if !ValidName(class) || !ValidName(key) {
		l.logger.Warn("rejected reference key", "class_selection", class, "content_key", key)
		return "", false
	}
	return l.store.Fetch(ctx, path.Join(classesDir, class, l.contentDir, key+referenceExt))
}

// Classes lists the class directories.
func (l *Library) Classes(ctx context.Context) ([]string, error) {
	entries, err := l.store.List(ctx, classesDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir && ValidName(e.Name) {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ClassFiles lists the lessons and action plans of a class: the .txt
// files of its conundrums and actionplans directories, sorted.
func (l *Library) ClassFiles(ctx context.Context, class string) (lessons, plans []string, err error) {
	if !ValidName(class) {
		return nil, nil, fmt.Errorf("class %q: %w", class, ErrNotFound)
	}
	if lessons, err = l.textFiles(ctx, path.Join(classesDir, class, conundrumsDir)); err != nil {
		return nil, nil, err
	}
	if plans, err = l.textFiles(ctx, path.Join(classesDir, class, actionPlansDir)); err != nil {
		return nil, nil, err
	}
	return lessons, plans, nil
}

func (l *Library) textFiles(ctx context.Context, dir string) ([]string, error) {
	entries, err := l.store.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir && strings.HasSuffix(e.Name, ".txt") {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}
