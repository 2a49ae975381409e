package train

import (
	"math/rand"
	"strings"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel"
)

// Mode is the single training branch resolved from the mode flags.
type Mode int

// The recognized training modes.
const (
	ModePlain Mode = iota
	ModeContrastive
	ModeDetection
	ModeMaskedModeling
	ModeManifoldPairs
	ModeManifoldTriplets
	ModeFGBG
	ModeFramewise
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeContrastive:
		return "contrastive"
	case ModeDetection:
		return "detection"
	case ModeMaskedModeling:
		return "masked_modeling"
	case ModeManifoldPairs:
		return "manifold_mixup_pairs"
	case ModeManifoldTriplets:
		return "manifold_mixup_triplets"
	case ModeFGBG:
		return "fg_bg_mixup"
	case ModeFramewise:
		return "framewise_mixup"
	}
	return "unknown"
}

// ContrastiveModel is implemented by variants with a contrastive objective.
// The loss comes back from the model since it owns the pairing logic.
type ContrastiveModel interface {
	ForwardContrastive(batch *traindata.Batch) (*tensor.Tensor, float64, error)
}

// DetectionModel is implemented by variants with per-region outputs.
type DetectionModel interface {
	ForwardDetection(batch *traindata.Batch) (*tensor.Tensor, error)
}

// MaskedModel is implemented by variants with a masked-modeling objective.
type MaskedModel interface {
	ForwardMasked(batch *traindata.Batch) (*tensor.Tensor, float64, error)
}

// PseudoLabelConfig augments the primary loss with sampled pseudo labels.
type PseudoLabelConfig struct {
	Enable bool
	Path   string
	Weight float64
	// Low/High bound the sample count; zero values take the defaults 1/5.
	Low  int
	High int
}

func (c PseudoLabelConfig) bounds() (int, int) {
	low, high := c.Low, c.High
	if low <= 0 {
		low = 1
	}
	if high <= 0 {
		high = 5
	}
	return low, high
}

// DispatchConfig is the full mutually exclusive mode-flag surface.
type DispatchConfig struct {
	Contrastive    bool
	Detection      bool
	MaskedModeling bool
	FGBG           videomodel.FGBGMixupConfig
	Manifold       videomodel.ManifoldMixupConfig
	Framewise      videomodel.FramewiseMixupConfig

	PseudoLabels PseudoLabelConfig
	LossName     string
}

// ResolveMode maps the flag surface to exactly one mode. Contradictory or
// unrecognized combinations are configuration errors raised here, before any
// forward pass runs.
func ResolveMode(cfg DispatchConfig) (Mode, error) {
	type flag struct {
		name string
		on   bool
		mode Mode
	}
	flags := []flag{
		{"CONTRASTIVE", cfg.Contrastive, ModeContrastive},
		{"DETECTION", cfg.Detection, ModeDetection},
		{"MASKED_MODELING", cfg.MaskedModeling, ModeMaskedModeling},
		{"MANIFOLD_MIXUP", cfg.Manifold.Enable, ModeManifoldPairs},
		{"FG_BG_MIXUP", cfg.FGBG.Enable, ModeFGBG},
		{"FRAMEWISE_MIXUP", cfg.Framewise.Enable, ModeFramewise},
	}
	var on []string
	mode := ModePlain
	for _, f := range flags {
		if f.on {
			on = append(on, f.name)
			mode = f.mode
		}
	}
	if len(on) > 1 {
		return 0, errors.Errorf(
			"config error: training modes are mutually exclusive, got %s enabled together",
			strings.Join(on, "+"))
	}
	switch mode {
	case ModeManifoldPairs:
		if err := cfg.Manifold.Validate(); err != nil {
			return 0, err
		}
		if cfg.Manifold.Triplets {
			mode = ModeManifoldTriplets
		}
	case ModeFGBG:
		if err := cfg.FGBG.Validate(); err != nil {
			return 0, err
		}
	}
	return mode, nil
}

// StepResult is one dispatched forward pass plus its composed loss. Grad is
// dLoss/dLogits aligned with the model's cached head input, for the shared
// head optimizer.
type StepResult struct {
	Preds *tensor.Tensor
	Loss  float64
	Ortho *float32
	Grad  *tensor.Tensor
}

// Dispatcher resolves the mode once and routes every batch through the same
// branch.
type Dispatcher struct {
	cfg    DispatchConfig
	mode   Mode
	loss   LossFunc
	pseudo *traindata.PseudoLabelStore
	rng    *rand.Rand
}

// NewDispatcher validates the mode flags and builds the per-batch router.
func NewDispatcher(cfg DispatchConfig, seed int64) (*Dispatcher, error) {
	mode, err := ResolveMode(cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.LossName
	if name == "" {
		name = "bce_logit"
	}
	loss, err := GetLossFunc(name)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:  cfg,
		mode: mode,
		loss: loss,
		rng:  rand.New(rand.NewSource(seed + 20)),
	}
	if cfg.PseudoLabels.Enable {
		store, err := traindata.LoadPseudoLabels(cfg.PseudoLabels.Path)
		if err != nil {
			return nil, err
		}
		d.pseudo = store
	}
	return d, nil
}

// Mode returns the resolved training mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Step runs one dispatched forward pass. alpha is the scheduled mixing weight
// for the epoch (0 when no schedule applies); train selects the training
// versus eval behavior of the branch.
func (d *Dispatcher) Step(m videomodel.Model, batch *traindata.Batch, epoch int, alpha float32, train bool) (*StepResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	var res *StepResult
	var err error
	switch d.mode {
	case ModePlain:
		res, err = d.stepPlain(m, batch)
	case ModeContrastive:
		cm, ok := m.(ContrastiveModel)
		if !ok {
			return nil, errors.Errorf("config error: CONTRASTIVE set but model has no contrastive forward")
		}
		preds, loss, ferr := cm.ForwardContrastive(batch)
		if ferr != nil {
			return nil, ferr
		}
		res = &StepResult{Preds: preds, Loss: loss}
	case ModeDetection:
		dm, ok := m.(DetectionModel)
		if !ok {
			return nil, errors.Errorf("config error: DETECTION set but model has no detection forward")
		}
		preds, ferr := dm.ForwardDetection(batch)
		if ferr != nil {
			return nil, ferr
		}
		loss, ferr := d.loss.Loss(preds, batch.Labels)
		if ferr != nil {
			return nil, ferr
		}
		grad, ferr := d.loss.Grad(preds, batch.Labels)
		if ferr != nil {
			return nil, ferr
		}
		res = &StepResult{Preds: preds, Loss: loss, Grad: grad}
	case ModeMaskedModeling:
		mm, ok := m.(MaskedModel)
		if !ok {
			return nil, errors.Errorf("config error: MASKED_MODELING set but model has no masked forward")
		}
		preds, loss, ferr := mm.ForwardMasked(batch)
		if ferr != nil {
			return nil, ferr
		}
		res = &StepResult{Preds: preds, Loss: loss}
	case ModeManifoldPairs:
		res, err = d.stepManifoldPairs(m, batch, train)
	case ModeManifoldTriplets:
		res, err = d.stepManifoldTriplets(m, batch, train)
	case ModeFGBG:
		res, err = d.stepFGBG(m, batch, epoch, alpha, train)
	case ModeFramewise:
		res, err = d.stepFramewise(m, batch, train)
	default:
		return nil, errors.Errorf("config error: unrecognized training mode %d", d.mode)
	}
	if err != nil {
		return nil, err
	}
	if train && d.pseudo != nil {
		if err := d.addPseudoLoss(res, batch); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (d *Dispatcher) stepPlain(m videomodel.Model, batch *traindata.Batch) (*StepResult, error) {
	preds, err := m.Forward(batch)
	if err != nil {
		return nil, err
	}
	loss, err := d.loss.Loss(preds, batch.Labels)
	if err != nil {
		return nil, err
	}
	grad, err := d.loss.Grad(preds, batch.Labels)
	if err != nil {
		return nil, err
	}
	return &StepResult{Preds: preds, Loss: loss, Grad: grad}, nil
}

func (d *Dispatcher) stepManifoldPairs(m videomodel.Model, batch *traindata.Batch, train bool) (*StepResult, error) {
	mm, ok := m.(videomodel.ManifoldModel)
	if !ok {
		return nil, errors.Errorf("config error: MANIFOLD_MIXUP set but model %T has no mixup forward", m)
	}
	if !train {
		return d.stepPlain(m, batch)
	}
	preds, yA, yB, lam, err := mm.ForwardMixupPairs(batch)
	if err != nil {
		return nil, err
	}

	weights := [][]float32{lam, complement(lam)}
	loss, grad, err := d.composeLoss(preds, []*tensor.Tensor{yA, yB}, weights)
	if err != nil {
		return nil, err
	}
	return &StepResult{Preds: preds, Loss: loss, Grad: grad}, nil
}

func (d *Dispatcher) stepManifoldTriplets(m videomodel.Model, batch *traindata.Batch, train bool) (*StepResult, error) {
	mm, ok := m.(videomodel.ManifoldModel)
	if !ok {
		return nil, errors.Errorf("config error: MANIFOLD_MIXUP set but model %T has no mixup forward", m)
	}
	if !train {
		return d.stepPlain(m, batch)
	}
	preds, yA, yB, yC, lam1, lam2, err := mm.ForwardMixupTriplets(batch)
	if err != nil {
		return nil, err
	}

	// third weight is whatever lam1+lam2 leaves over
	rest := make([]float32, len(lam1))
	for i := range rest {
		rest[i] = 1 - lam1[i] - lam2[i]
	}
	weights := [][]float32{lam1, lam2, rest}
	loss, grad, err := d.composeLoss(preds, []*tensor.Tensor{yA, yB, yC}, weights)
	if err != nil {
		return nil, err
	}
	return &StepResult{Preds: preds, Loss: loss, Grad: grad}, nil
}

func (d *Dispatcher) stepFGBG(m videomodel.Model, batch *traindata.Batch, epoch int, alpha float32, train bool) (*StepResult, error) {
	fm, ok := m.(videomodel.FGBGModel)
	if !ok {
		return nil, errors.Errorf("config error: FG_BG_MIXUP set but model %T has no FG/BG forward", m)
	}
	addBG2 := d.cfg.FGBG.AddBG2ActiveAt(epoch)
	var beta *float32
	if addBG2 {
		b := 1 - alpha
		beta = &b
	}
	preds, ortho, err := fm.ForwardFGBG(batch, alpha, beta, batch.Labels, train, addBG2)
	if err != nil {
		return nil, err
	}
	loss, err := d.loss.Loss(preds, batch.Labels)
	if err != nil {
		return nil, err
	}
	grad, err := d.loss.Grad(preds, batch.Labels)
	if err != nil {
		return nil, err
	}
	if ortho != nil {
		// auxiliary term is added to the classification loss, not averaged in
		loss += float64(*ortho)
	}
	return &StepResult{Preds: preds, Loss: loss, Ortho: ortho, Grad: grad}, nil
}

func (d *Dispatcher) stepFramewise(m videomodel.Model, batch *traindata.Batch, train bool) (*StepResult, error) {
	fm, ok := m.(videomodel.FramewiseModel)
	if !ok {
		return nil, errors.Errorf("config error: FRAMEWISE_MIXUP set but model %T has no framewise forward", m)
	}
	if !train {
		return d.stepPlain(m, batch)
	}
	framePreds, lam, perm, err := fm.ForwardFramewise(batch)
	if err != nil {
		return nil, err
	}
	n, t, c := framePreds.Dim(0), framePreds.Dim(1), framePreds.Dim(2)

	// expand labels and weights to one row per (sample, time step)
	flat := framePreds.Reshape(n*t, c)
	yA := tensor.New(n*t, batch.NumClasses())
	yB := tensor.New(n*t, batch.NumClasses())
	wA := make([]float32, n*t)
	for i := 0; i < n; i++ {
		for ti := 0; ti < t; ti++ {
			copy(yA.Row(i*t+ti), batch.Labels.Row(i))
			copy(yB.Row(i*t+ti), batch.Labels.Row(perm[i]))
			l := lam.Row(i)[0]
			if lam.Dim(1) > 1 {
				l = lam.Row(i)[ti]
			}
			wA[i*t+ti] = l
		}
	}
	loss, grad, err := d.composeLoss(flat, []*tensor.Tensor{yA, yB}, [][]float32{wA, complement(wA)})
	if err != nil {
		return nil, err
	}

	// clip-level logits for metrics: mean over time
	preds := tensor.New(n, c)
	for i := 0; i < n; i++ {
		for ti := 0; ti < t; ti++ {
			tensor.Axpy(1, flat.Row(i*t+ti), preds.Row(i))
		}
		tensor.Scale(1/float32(t), preds.Row(i))
	}
	return &StepResult{Preds: preds, Loss: loss, Grad: grad}, nil
}

// composeLoss weights per-sample losses and gradients across label sets:
// loss = mean_i sum_k w[k][i] * L(preds[i], labels[k][i]).
func (d *Dispatcher) composeLoss(preds *tensor.Tensor, labelSets []*tensor.Tensor, weights [][]float32) (float64, *tensor.Tensor, error) {
	n, c := preds.Dim(0), preds.Dim(1)
	var loss float64
	grad := tensor.New(n, c)
	for k, labels := range labelSets {
		per, err := d.loss.PerSample(preds, labels)
		if err != nil {
			return 0, nil, err
		}
		g, err := d.loss.Grad(preds, labels)
		if err != nil {
			return 0, nil, err
		}
		for i := 0; i < n; i++ {
			loss += float64(weights[k][i]) * per[i] / float64(n)
			tensor.Axpy(weights[k][i], g.Row(i), grad.Row(i))
		}
	}
	return loss, grad, nil
}

// addPseudoLoss augments the primary loss with sampled pseudo labels. Both
// loss functions are linear in the labels, so the sampled vectors collapse to
// their per-sample mean.
func (d *Dispatcher) addPseudoLoss(res *StepResult, batch *traindata.Batch) error {
	if batch.Labels == nil || res.Preds == nil || res.Grad == nil {
		return nil
	}
	if res.Preds.Dim(0) != batch.Size() {
		return nil
	}
	if !res.Grad.SameShape(res.Preds) {
		// per-frame gradient rows have no clip-level pseudo rows to absorb
		// the extra term; skip both the loss and the gradient so they agree
		return nil
	}
	low, high := d.cfg.PseudoLabels.bounds()
	pseudo := tensor.New(batch.Size(), batch.NumClasses())
	any := false
	for i := 0; i < batch.Size(); i++ {
		label := batch.Labels.Row(i)
		active := 0
		for _, v := range label {
			if v > 0 {
				active++
			}
		}
		clamped := active
		if clamped < low {
			clamped = low
		}
		if clamped > high {
			clamped = high
		}
		count := low + high - clamped
		if count < 1 {
			count = 1
		}
		sampled := d.pseudo.Sample(d.rng, label, count)
		if len(sampled) == 0 {
			copy(pseudo.Row(i), label)
			continue
		}
		any = true
		for _, pl := range sampled {
			tensor.Axpy(1/float32(len(sampled)), pl, pseudo.Row(i))
		}
	}
	if !any {
		return nil
	}
	extra, err := d.loss.Loss(res.Preds, pseudo)
	if err != nil {
		return err
	}
	eg, err := d.loss.Grad(res.Preds, pseudo)
	if err != nil {
		return err
	}
	w := d.cfg.PseudoLabels.Weight
	if w == 0 {
		w = 1
	}
	res.Loss += w * extra
	tensor.Axpy(float32(w), eg.Data, res.Grad.Data)
	return nil
}

func complement(w []float32) []float32 {
	out := make([]float32, len(w))
	for i, v := range w {
		out[i] = 1 - v
	}
	return out
}
