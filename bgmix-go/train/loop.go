package train

import (
	"log"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/schedule"
)

// Reducer merges per-worker scalars after each step. Distributed
// communication lives behind this interface; every worker must call it each
// step or the barrier deadlocks.
type Reducer interface {
	ReduceScalar(v float64) (float64, error)
}

// LocalReducer is the single-process no-op reduction.
type LocalReducer struct{}

// ReduceScalar implements Reducer.
func (LocalReducer) ReduceScalar(v float64) (float64, error) { return v, nil }

// ClipConfig bounds head gradients before the update. Zero values disable
// the respective clip.
type ClipConfig struct {
	Value   float64 // clamp each element to [-Value, Value]
	MaxNorm float64 // rescale when the global L2 norm exceeds this
}

// TrainerConfig drives the epoch loop.
type TrainerConfig struct {
	Epochs int
	LR     float64
	Clip   ClipConfig

	// Encoder checkpoints reloaded at every epoch start for dual-stream
	// models whose sub-encoders are trained by a separate process.
	FGEncoderPath string
	BGEncoderPath string

	EvalEvery int // 0 disables periodic eval
}

// Trainer runs the synchronous step loop: dispatch, loss, head update. One
// step fully completes before the next begins.
type Trainer struct {
	cfg        TrainerConfig
	model      videomodel.Model
	dispatcher *Dispatcher
	sched      *schedule.Schedule
	reducer    Reducer
}

// NewTrainer wires the loop. sched may be nil when no mixing schedule
// applies; reducer nil defaults to LocalReducer.
func NewTrainer(cfg TrainerConfig, m videomodel.Model, d *Dispatcher, sched *schedule.Schedule, reducer Reducer) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("config error: trainer needs a positive epoch count, got %d", cfg.Epochs)
	}
	if cfg.LR <= 0 {
		return nil, errors.Errorf("config error: trainer needs a positive learning rate, got %g", cfg.LR)
	}
	if reducer == nil {
		reducer = LocalReducer{}
	}
	return &Trainer{cfg: cfg, model: m, dispatcher: d, sched: sched, reducer: reducer}, nil
}

// Train runs the full loop. batches yields the training batches for an
// epoch; evalBatches may be nil.
func (t *Trainer) Train(batches func(epoch int) ([]*traindata.Batch, error), evalBatches func(epoch int) ([]*traindata.Batch, error)) error {
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := t.reloadEncoders(); err != nil {
			return err
		}
		epochBatches, err := batches(epoch)
		if err != nil {
			return errors.Wrapf(err, "error loading batches for epoch %d", epoch)
		}
		start := time.Now()
		loss, err := t.runEpoch(epochBatches, epoch, true)
		if err != nil {
			return errors.Wrapf(err, "epoch %d failed", epoch)
		}
		log.Printf("epoch %d/%d: mode=%s alpha=%g loss=%.6f batches=%s took %s",
			epoch+1, t.cfg.Epochs, t.dispatcher.Mode(), t.alpha(epoch), loss,
			humanize.Comma(int64(len(epochBatches))),
			time.Since(start).Round(time.Millisecond))

		if evalBatches != nil && t.cfg.EvalEvery > 0 && (epoch+1)%t.cfg.EvalEvery == 0 {
			evalSet, err := evalBatches(epoch)
			if err != nil {
				return errors.Wrapf(err, "error loading eval batches for epoch %d", epoch)
			}
			evalLoss, err := t.runEpoch(evalSet, epoch, false)
			if err != nil {
				return errors.Wrapf(err, "eval at epoch %d failed", epoch)
			}
			log.Printf("epoch %d/%d: eval loss=%.6f over %s batches",
				epoch+1, t.cfg.Epochs, evalLoss, humanize.Comma(int64(len(evalSet))))
		}
	}
	return nil
}

// Evaluate runs one eval pass. Mixing still applies when MIX_ON_EVAL is
// configured; the dispatcher handles that per branch.
func (t *Trainer) Evaluate(batches []*traindata.Batch, epoch int) (float64, error) {
	return t.runEpoch(batches, epoch, false)
}

// SaveCheckpoint writes every named model parameter.
func (t *Trainer) SaveCheckpoint(path string) error {
	return backbone.SaveParams(path, t.model.Params())
}

func (t *Trainer) alpha(epoch int) float32 {
	if t.sched == nil {
		return 0
	}
	return t.sched.Alpha(epoch)
}

func (t *Trainer) reloadEncoders() error {
	if t.cfg.FGEncoderPath == "" && t.cfg.BGEncoderPath == "" {
		return nil
	}
	loader, ok := t.model.(videomodel.EncoderLoader)
	if !ok {
		return errors.Errorf("config error: encoder checkpoint paths set but model %T has no named sub-encoders", t.model)
	}
	return loader.LoadEncoders(t.cfg.FGEncoderPath, t.cfg.BGEncoderPath)
}

func (t *Trainer) runEpoch(batches []*traindata.Batch, epoch int, train bool) (float64, error) {
	alpha := t.alpha(epoch)
	var total float64
	for i, batch := range batches {
		res, err := t.dispatcher.Step(t.model, batch, epoch, alpha, train)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
			return 0, errors.Errorf("non-finite loss %v at epoch %d batch %d, aborting", res.Loss, epoch, i)
		}
		if train && res.Grad != nil {
			if err := t.applyHeadUpdate(res.Grad); err != nil {
				return 0, err
			}
		}
		reduced, err := t.reducer.ReduceScalar(res.Loss)
		if err != nil {
			return 0, errors.Wrapf(err, "loss reduction failed at epoch %d batch %d", epoch, i)
		}
		total += reduced
	}
	if len(batches) == 0 {
		return 0, nil
	}
	return total / float64(len(batches)), nil
}

// applyHeadUpdate backpropagates one linear layer analytically and takes an
// SGD step on the head parameters.
func (t *Trainer) applyHeadUpdate(grad *tensor.Tensor) error {
	head := t.model.Head()
	in := t.model.HeadInput()
	if in == nil || in.Dim(0) != grad.Dim(0) {
		return errors.Errorf("head input rows do not match gradient rows")
	}

	dW := tensor.TMatMul(in, grad)
	dB := make([]float32, grad.Dim(1))
	for i := 0; i < grad.Dim(0); i++ {
		tensor.Axpy(1, grad.Row(i), dB)
	}
	if err := t.clip(dW.Data); err != nil {
		return err
	}
	if err := t.clip(dB); err != nil {
		return err
	}

	lr := float32(t.cfg.LR)
	tensor.Axpy(-lr, dW.Data, head.W.Data)
	tensor.Axpy(-lr, dB, head.Bias)
	return nil
}

func (t *Trainer) clip(grad []float32) error {
	if t.cfg.Clip.Value > 0 {
		v := float32(t.cfg.Clip.Value)
		for i, g := range grad {
			if g > v {
				grad[i] = v
			} else if g < -v {
				grad[i] = -v
			}
		}
	}
	if t.cfg.Clip.MaxNorm > 0 {
		norm := float64(tensor.Norm2(grad))
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			return errors.Errorf("non-finite gradient norm %v", norm)
		}
		if norm > t.cfg.Clip.MaxNorm {
			tensor.Scale(float32(t.cfg.Clip.MaxNorm/norm), grad)
		}
	}
	return nil
}
