package training

import (
	"io"
	"log"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/checkpoints"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/optimizer"
)

// ErrSeedMismatch is returned when a checkpoint was written by a run with a
// different seed than the one configured.
var ErrSeedMismatch = errors.New("checkpoint seed does not match run seed")

// IsSeedMismatch reports whether err was caused by a seed mismatch.
func IsSeedMismatch(err error) bool {
	return errors.Cause(err) == ErrSeedMismatch
}

// CheckpointTargets are the models and optimizers a CheckpointManager saves
// and restores. EMA may be nil.
type CheckpointTargets struct {
	Generator     models.Generator
	Discriminator models.Discriminator
	GOptimizer    optimizer.Optimizer
	DOptimizer    optimizer.Optimizer
	EMA           *EMA
}

// CheckpointManager writes and restores the G, D and G_ema records of a run.
type CheckpointManager struct {
	store   *checkpoints.Store
	targets CheckpointTargets
	seed    int64
	logger  *log.Logger
}

// NewCheckpointManager creates a manager over store for a run seeded with seed.
func NewCheckpointManager(store *checkpoints.Store, targets CheckpointTargets, seed int64, logger *log.Logger) *CheckpointManager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &CheckpointManager{store: store, targets: targets, seed: seed, logger: logger}
}

// Dir returns the checkpoint directory.
func (cm *CheckpointManager) Dir() string { return cm.store.Dir }

func (cm *CheckpointManager) record(role string, m models.Module, opt optimizer.Optimizer, ts checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	cp := &checkpoints.Checkpoint{
		Role:          role,
		ModelSpec:     m.Spec(),
		Weights:       checkpoints.ExtractWeights(m.Parameters()),
		Buffers:       checkpoints.ExtractWeights(m.Buffers()),
		TrainingState: ts,
	}
	if opt != nil {
		st, err := opt.GetState()
		if err != nil {
			return nil, errors.Wrapf(err, "%s optimizer state", role)
		}
		cp.OptimizerState = st
	}
	return cp, nil
}

// Save writes the current records for every model and, when isBest, the best
// records too. Only the D record carries the best score and its path.
func (cm *CheckpointManager) Save(state State, runName string, isBest bool) error {
	base := checkpoints.TrainingState{
		Seed:     cm.seed,
		RunName:  runName,
		Step:     state.Step,
		BestStep: state.BestStep,
	}
	dState := base
	dState.BestScore = state.BestScore
	dState.BestScorePath = state.BestScorePath

	t := cm.targets
	type item struct {
		role string
		m    models.Module
		opt  optimizer.Optimizer
		ts   checkpoints.TrainingState
	}
	items := []item{
		{checkpoints.RoleGenerator, t.Generator, t.GOptimizer, base},
		{checkpoints.RoleDiscriminator, t.Discriminator, t.DOptimizer, dState},
	}
	if t.EMA != nil {
		items = append(items, item{checkpoints.RoleGeneratorEMA, t.EMA.Shadow(), nil, base})
	}

	slots := []checkpoints.Slot{checkpoints.SlotCurrent}
	if isBest {
		slots = append(slots, checkpoints.SlotBest)
	}
	for _, slot := range slots {
		for _, it := range items {
			cp, err := cm.record(it.role, it.m, it.opt, it.ts)
			if err != nil {
				return err
			}
			path, err := cm.store.Save(cp, slot)
			if err != nil {
				return errors.Wrapf(err, "saving %s/%s checkpoint", it.role, slot)
			}
			cm.logger.Printf("Saved %s checkpoint: %s", slot, path)
		}
	}
	return nil
}

// SaveProbe writes a linear probe under the Linear role.
func (cm *CheckpointManager) SaveProbe(probe models.Classifier, opt optimizer.Optimizer, step int, runName string) (string, error) {
	cp, err := cm.record(checkpoints.RoleLinear, probe, opt, checkpoints.TrainingState{Seed: cm.seed, RunName: runName, Step: step})
	if err != nil {
		return "", err
	}
	path, err := cm.store.Save(cp, checkpoints.SlotCurrent)
	if err != nil {
		return "", errors.Wrap(err, "saving linear probe")
	}
	cm.logger.Printf("Saved linear probe: %s", path)
	return path, nil
}

// Resumed is what a resume restored besides the model weights.
type Resumed struct {
	State   State
	RunName string
	Seed    int64
	Paths   map[string]string
}

// Resume restores G and D weights with their optimizer states, and the G_ema
// weights when an EMA is configured, from slot. Every record is read and its
// seed checked before any model is modified.
func (cm *CheckpointManager) Resume(slot checkpoints.Slot) (*Resumed, error) {
	t := cm.targets
	roles := []string{checkpoints.RoleGenerator, checkpoints.RoleDiscriminator}
	if t.EMA != nil {
		roles = append(roles, checkpoints.RoleGeneratorEMA)
	}
	records := map[string]*checkpoints.Checkpoint{}
	paths := map[string]string{}
	for _, role := range roles {
		cp, path, err := cm.store.Load(role, slot)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s checkpoint", role)
		}
		if cp.TrainingState.Seed != cm.seed {
			return nil, errors.Wrapf(ErrSeedMismatch, "%s was written with seed %d, run seed is %d", path, cp.TrainingState.Seed, cm.seed)
		}
		records[role], paths[role] = cp, path
	}

	if err := restoreModel(records[checkpoints.RoleGenerator], t.Generator, t.GOptimizer); err != nil {
		return nil, err
	}
	if err := restoreModel(records[checkpoints.RoleDiscriminator], t.Discriminator, t.DOptimizer); err != nil {
		return nil, err
	}

	ts := records[checkpoints.RoleDiscriminator].TrainingState
	if t.EMA != nil {
		if err := restoreModel(records[checkpoints.RoleGeneratorEMA], t.EMA.Shadow(), nil); err != nil {
			return nil, err
		}
		t.EMA.Resume(ts.Step)
	}
	for _, role := range roles {
		cm.logger.Printf("Restored %s from %s", role, paths[role])
	}

	return &Resumed{
		State: State{
			Step:          ts.Step,
			BestStep:      ts.BestStep,
			BestScore:     ts.BestScore,
			BestScorePath: ts.BestScorePath,
		},
		RunName: ts.RunName,
		Seed:    ts.Seed,
		Paths:   paths,
	}, nil
}

// restoreModel loads weights, buffers and, when opt is non-nil, optimizer
// state.
func restoreModel(cp *checkpoints.Checkpoint, m models.Module, opt optimizer.Optimizer) error {
	if cp.ModelSpec != nil && !m.Spec().Compatible(cp.ModelSpec) {
		return errors.Errorf("%s checkpoint was written for a different architecture", cp.Role)
	}
	if err := checkpoints.LoadWeights(cp.Weights, m.Parameters()); err != nil {
		return errors.Wrapf(err, "restoring %s weights", cp.Role)
	}
	if len(cp.Buffers) > 0 {
		if err := checkpoints.LoadWeights(cp.Buffers, m.Buffers()); err != nil {
			return errors.Wrapf(err, "restoring %s buffers", cp.Role)
		}
	}
	if opt == nil {
		return nil
	}
	if cp.OptimizerState == nil {
		return errors.Errorf("%s checkpoint has no optimizer state", cp.Role)
	}
	if err := opt.LoadState(cp.OptimizerState); err != nil {
		return errors.Wrapf(err, "restoring %s optimizer", cp.Role)
	}
	return nil
}
