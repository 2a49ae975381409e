package videomodel

import (
	"sort"
	"strings"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
)

// Constructor builds a model variant from a validated config.
type Constructor func(cfg Config) (Model, error)

// variants maps the model name accepted in configs to its constructor. New
// variants must be registered here explicitly.
var variants = map[string]Constructor{
	"plain":           NewPlain,
	"fgbg_mixup":      NewFGBGMixup,
	"dual_fgbg":       NewDualFGBG,
	"manifold_mixup":  NewManifoldMixup,
	"framewise_mixup": NewFramewise,
	"tap":             NewTapClip,
}

// Names returns the registered variant names, sorted.
func Names() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the named variant. Unknown names are a fatal config error.
func Build(name string, cfg Config) (Model, error) {
	ctor, ok := variants[name]
	if !ok {
		return nil, errors.Errorf("unknown model variant %q, expected one of: %s",
			name, strings.Join(Names(), ", "))
	}
	return ctor(cfg)
}
