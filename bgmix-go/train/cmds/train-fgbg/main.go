package main

import (
	"log"
	"runtime"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"

	"github.com/motionlab/bgmix/bgmix-go/train"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/schedule"
)

func noErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	args := struct {
		Manifest     string `arg:"required" help:"dataset manifest CSV"`
		EvalManifest string `help:"optional eval manifest CSV"`
		Model        string `help:"model variant name"`
		NumClasses   int
		BatchSize    int
		Epochs       int
		LR           float64
		Loss         string
		Seed         int64

		Backbone string `help:"backbone family: conv or transformer"`

		SubtractBG     bool
		AddBG          bool
		AlphaMin       float64
		AlphaMax       float64
		Scheduler      string `help:"alpha schedule: exp or linear"`
		OrthoEmbs      bool
		Classwise      []int `help:"restrict mixing to these class ids"`
		AddBG2Epoch    int   `help:"mix in bg2 from this epoch on, -1 disables"`
		MixOnEval      bool
		GenBGNoGrad    bool
		ManifoldPairs  bool
		ManifoldTrips  bool `arg:"--manifold-triplets"`
		FramewiseMixup bool
		PerFrame       bool
		MixupAlpha     float64 `help:"Beta concentration for manifold/framewise mixup"`

		PseudoLabels string  `help:"pseudo-label store (.json or .json.gz)"`
		PseudoWeight float64

		FGEncoder string `help:"fg encoder checkpoint for dual_fgbg"`
		BGEncoder string `help:"bg encoder checkpoint for dual_fgbg"`

		ClipValue float64
		ClipNorm  float64
		EvalEvery int
		Out       string `help:"checkpoint output path"`
	}{
		Model:       "plain",
		NumClasses:  400,
		BatchSize:   16,
		Epochs:      100,
		LR:          0.1,
		Loss:        "bce_logit",
		Backbone:    "conv",
		AlphaMax:    1,
		Scheduler:   "exp",
		AddBG2Epoch: -1,
		MixupAlpha:  2,
		EvalEvery:   10,
		Out:         "checkpoint.json.gz",
	}
	arg.MustParse(&args)

	var spec backbone.Spec
	switch args.Backbone {
	case "conv":
		spec = backbone.DefaultConvSpec()
	case "transformer":
		spec = backbone.DefaultTransformerSpec()
	default:
		log.Fatalf("unknown backbone family %q", args.Backbone)
	}
	spec.Seed = args.Seed

	cfg := videomodel.Config{
		Backbone:   spec,
		NumClasses: args.NumClasses,
		TapClipLen: 8,
		Seed:       args.Seed,
		FGBG: videomodel.FGBGMixupConfig{
			Enable: args.SubtractBG || args.AddBG,
			SubtractBG: videomodel.SubtractBGConfig{
				Enable:    args.SubtractBG,
				AlphaMin:  args.AlphaMin,
				AlphaMax:  args.AlphaMax,
				Scheduler: schedule.Policy(args.Scheduler),
				OrthoEmbs: args.OrthoEmbs,
				ApplyClasswise: videomodel.ClasswiseConfig{
					Enable:  len(args.Classwise) > 0,
					Classes: args.Classwise,
				},
			},
			AddBG: videomodel.AddBGConfig{
				Enable:    args.AddBG,
				AlphaMin:  args.AlphaMin,
				AlphaMax:  args.AlphaMax,
				Scheduler: schedule.Policy(args.Scheduler),
			},
			AddBG2: videomodel.AddBG2Config{
				Enable:         args.AddBG2Epoch >= 0,
				StartFromEpoch: args.AddBG2Epoch,
			},
			MixOnEval:   args.MixOnEval,
			GenBGNoGrad: args.GenBGNoGrad,
		},
		Manifold: videomodel.ManifoldMixupConfig{
			Enable:   args.ManifoldPairs || args.ManifoldTrips,
			Pairs:    args.ManifoldPairs,
			Triplets: args.ManifoldTrips,
			Alpha:    args.MixupAlpha,
		},
		Framewise: videomodel.FramewiseMixupConfig{
			Enable:   args.FramewiseMixup,
			PerFrame: args.PerFrame,
			Alpha:    args.MixupAlpha,
		},
	}

	model, err := videomodel.Build(args.Model, cfg)
	noErr(err)

	dispatcher, err := train.NewDispatcher(train.DispatchConfig{
		FGBG:      cfg.FGBG,
		Manifold:  cfg.Manifold,
		Framewise: cfg.Framewise,
		PseudoLabels: train.PseudoLabelConfig{
			Enable: args.PseudoLabels != "",
			Path:   args.PseudoLabels,
			Weight: args.PseudoWeight,
		},
		LossName: args.Loss,
	}, args.Seed)
	noErr(err)

	var sched *schedule.Schedule
	if sc := cfg.FGBG.ScheduleConfig(args.Epochs); sc != nil {
		sched, err = schedule.New(*sc)
		noErr(err)
	}

	rows, err := traindata.ReadManifest(args.Manifest)
	noErr(err)
	noErr(traindata.CheckClips(rows, runtime.NumCPU()))
	log.Printf("manifest %s: %s clips", args.Manifest, humanize.Comma(int64(len(rows))))

	loader, err := traindata.NewLoader(rows, traindata.LoaderConfig{
		BatchSize:  args.BatchSize,
		NumClasses: args.NumClasses,
		NumGo:      runtime.NumCPU(),
		Shuffle:    true,
		Seed:       args.Seed,
	})
	noErr(err)

	var evalBatches func(int) ([]*traindata.Batch, error)
	if args.EvalManifest != "" {
		evalRows, err := traindata.ReadManifest(args.EvalManifest)
		noErr(err)
		evalLoader, err := traindata.NewLoader(evalRows, traindata.LoaderConfig{
			BatchSize:  args.BatchSize,
			NumClasses: args.NumClasses,
			NumGo:      runtime.NumCPU(),
		})
		noErr(err)
		evalBatches = evalLoader.Batches
	}

	trainer, err := train.NewTrainer(train.TrainerConfig{
		Epochs:        args.Epochs,
		LR:            args.LR,
		Clip:          train.ClipConfig{Value: args.ClipValue, MaxNorm: args.ClipNorm},
		FGEncoderPath: args.FGEncoder,
		BGEncoderPath: args.BGEncoder,
		EvalEvery:     args.EvalEvery,
	}, model, dispatcher, sched, nil)
	noErr(err)

	noErr(trainer.Train(loader.Batches, evalBatches))
	noErr(trainer.SaveCheckpoint(args.Out))
	log.Printf("wrote checkpoint to %s", args.Out)
}
