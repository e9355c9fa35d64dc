// Command gan trains and evaluates a GAN described by a JSON configuration.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/tsawler/go-gan/config"
	"github.com/tsawler/go-gan/training"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file (defaults when empty)")
	seed := flag.Int64("seed", 0, "random seed")
	numWorkers := flag.Int("num_workers", 0, "sample decoding workers")
	devices := flag.Int("devices", 0, "data-parallel shards")
	reduce := flag.Float64("reduce_train_dataset", 0, "fraction of the train split to use")
	loadCurrent := flag.Bool("load_current", true, "resume from current (true) or best (false) checkpoints")
	evalSplit := flag.String("type4eval_dataset", "", "evaluation split: train, valid or test")
	checkpointFolder := flag.String("checkpoint_folder", "", "resume from this checkpoint directory")
	train := flag.Bool("train", false, "run training")
	eval := flag.Bool("eval", false, "compute FID and IS")
	knn := flag.Bool("k_nearest_neighbor", false, "render nearest-neighbour grids")
	interp := flag.Bool("interpolation", false, "render interpolation grids")
	linear := flag.Bool("linear_evaluation", false, "train a linear probe on discriminator features")
	stepLinear := flag.Int("step_linear_eval", 0, "linear probe steps")
	nrow := flag.Int("nrow", 0, "grid rows")
	ncol := flag.Int("ncol", 0, "grid columns")
	printEvery := flag.Int("print_every", 0, "log losses every N steps")
	saveEvery := flag.Int("save_every", 0, "checkpoint every N steps")
	totalStep := flag.Int("total_step", 0, "train until this step")
	logDir := flag.String("log_dir", "", "log directory")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Printf("Error: %v", err)
			os.Exit(1)
		}
	}

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Seed = *seed
		case "num_workers":
			cfg.NumWorkers = *numWorkers
		case "devices":
			cfg.Devices = *devices
		case "reduce_train_dataset":
			cfg.ReduceTrainDataset = *reduce
		case "load_current":
			cfg.LoadCurrent = *loadCurrent
		case "type4eval_dataset":
			cfg.Type4EvalDataset = *evalSplit
		case "checkpoint_folder":
			cfg.Train.CheckpointFolder = *checkpointFolder
		case "train":
			cfg.Train.Train = *train
		case "eval":
			cfg.Train.Eval = *eval
		case "k_nearest_neighbor":
			cfg.Train.KNearestNeighbor = *knn
		case "interpolation":
			cfg.Train.Interpolation = *interp
		case "linear_evaluation":
			cfg.Train.LinearEvaluation = *linear
		case "step_linear_eval":
			cfg.Train.StepLinearEval = *stepLinear
		case "nrow":
			cfg.Train.NRow = *nrow
		case "ncol":
			cfg.Train.NCol = *ncol
		case "print_every":
			cfg.Train.PrintEvery = *printEvery
		case "save_every":
			cfg.Train.SaveEvery = *saveEvery
		case "total_step":
			cfg.Optimization.TotalStep = *totalStep
		case "log_dir":
			cfg.LogDir = *logDir
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := training.TrainFramework(ctx, cfg, training.FrameworkOptions{Progress: os.Stderr})
	if err != nil {
		log.Printf("Error: %v", err)
		stop()
		os.Exit(1)
	}
	log.Printf("Run %s finished at step %d", result.RunName, result.Step)
	if cfg.Train.LinearEvaluation {
		log.Printf("Linear probe accuracy: %.2f%%", result.ProbeAccuracy*100)
	}
}
