// Package videomodel composes backbones, embedding extraction, mask policy
// and the mixing engine into the trainable model variants, selected through
// an explicit name registry.
package videomodel

import (
	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/mixing"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/schedule"
)

// ClasswiseConfig restricts mixing to an allow-list of classes.
type ClasswiseConfig struct {
	Enable  bool
	Classes []int
}

// SubtractBGConfig configures background subtraction.
type SubtractBGConfig struct {
	Enable         bool
	AlphaMin       float64
	AlphaMax       float64
	Scheduler      schedule.Policy
	OrthoEmbs      bool
	ApplyClasswise ClasswiseConfig
}

// AddBGConfig configures background addition (mutually exclusive with
// subtraction).
type AddBGConfig struct {
	Enable    bool
	AlphaMin  float64
	AlphaMax  float64
	Scheduler schedule.Policy
}

// AddBG2Config enables mixing a second background in from a given epoch.
type AddBG2Config struct {
	Enable         bool
	StartFromEpoch int
}

// FGBGMixupConfig is the full FG/BG mixing configuration surface.
type FGBGMixupConfig struct {
	Enable      bool
	SubtractBG  SubtractBGConfig
	AddBG       AddBGConfig
	AddBG2      AddBG2Config
	MixOnEval   bool
	GenBGNoGrad bool
}

// Validate rejects contradictory FG/BG configurations up front, before any
// forward pass runs.
func (c FGBGMixupConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if !c.SubtractBG.Enable && !c.AddBG.Enable {
		return errors.Errorf(
			"config error: FG_BG_MIXUP.ENABLE set but neither SUBTRACT_BG nor ADD_BG enabled")
	}
	if err := c.mixing(true).Validate(); err != nil {
		return err
	}
	return c.mixing(false).Validate()
}

// mixing narrows the config to the engine's view; addBG2Active reflects
// whether the current epoch has reached ADD_BG2.START_FROM_EPOCH.
func (c FGBGMixupConfig) mixing(addBG2Active bool) mixing.Config {
	return mixing.Config{
		SubtractBG: c.SubtractBG.Enable,
		AddBG:      c.AddBG.Enable,
		AddBG2:     c.AddBG2.Enable && addBG2Active && c.SubtractBG.Enable,
		OrthoEmbs:  c.SubtractBG.OrthoEmbs,
	}
}

// AddBG2ActiveAt reports whether the second background applies at epoch.
func (c FGBGMixupConfig) AddBG2ActiveAt(epoch int) bool {
	return c.AddBG2.Enable && epoch >= c.AddBG2.StartFromEpoch
}

// ScheduleConfig derives the alpha schedule for the enabled mixing mode, or
// nil when no schedule applies.
func (c FGBGMixupConfig) ScheduleConfig(epochs int) *schedule.Config {
	switch {
	case c.SubtractBG.Enable:
		return &schedule.Config{
			Policy:   c.SubtractBG.Scheduler,
			Epochs:   epochs,
			AlphaMin: c.SubtractBG.AlphaMin,
			AlphaMax: c.SubtractBG.AlphaMax,
		}
	case c.AddBG.Enable:
		return &schedule.Config{
			Policy:   c.AddBG.Scheduler,
			Epochs:   epochs,
			AlphaMin: c.AddBG.AlphaMin,
			AlphaMax: c.AddBG.AlphaMax,
		}
	}
	return nil
}

// ManifoldMixupConfig configures latent-space mixup.
type ManifoldMixupConfig struct {
	Enable   bool
	Pairs    bool
	Triplets bool
	Alpha    float64
}

// Validate requires exactly one of pairs/triplets when enabled.
func (c ManifoldMixupConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if c.Pairs == c.Triplets {
		return errors.Errorf("config error: manifold mixup requires exactly one of PAIRS or TRIPLETS")
	}
	return nil
}

// FramewiseMixupConfig configures per-time-step input mixing.
type FramewiseMixupConfig struct {
	Enable   bool
	PerFrame bool // independent weight per frame instead of one per clip
	Alpha    float64
}

// Config is everything needed to construct a model variant.
type Config struct {
	Backbone   backbone.Spec
	NumClasses int
	// HeadMLPDim sizes the dual-stream fusion MLP; 0 uses the embed dim.
	HeadMLPDim int
	// TapClipLen is the chunk length for the clip-aggregation variant.
	TapClipLen int

	FGBG      FGBGMixupConfig
	Manifold  ManifoldMixupConfig
	Framewise FramewiseMixupConfig

	Seed int64
}

// Validate checks the parts shared by all variants.
func (c Config) Validate() error {
	if c.NumClasses <= 0 {
		return errors.Errorf("config error: model needs a positive class count")
	}
	if err := c.Backbone.Validate(); err != nil {
		return err
	}
	if err := c.FGBG.Validate(); err != nil {
		return err
	}
	return c.Manifold.Validate()
}
