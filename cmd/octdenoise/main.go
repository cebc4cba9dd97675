package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
	"octdenoise/pkg/checkpoint"
	"octdenoise/pkg/config"
	"octdenoise/pkg/dataset"
	"octdenoise/pkg/evaluation"
	"octdenoise/pkg/flow"
	"octdenoise/pkg/loss"
	"octdenoise/pkg/nn"
	"octdenoise/pkg/octa"
	"octdenoise/pkg/pipeline"
	"octdenoise/pkg/training"
	"octdenoise/pkg/visualization"
)

func main() {
	// Parse command line arguments
	mode := flag.String("mode", "n2s", "Run mode: octa, n2s, pfn or evaluate")
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	createConfig := flag.Bool("create-config", false, "Write a default configuration file to -config and exit")
	inputDir := flag.String("input", "", "Directory holding one scan directory per patient (overrides data.inputDir)")
	datasetDir := flag.String("dataset", "", "Root of the fused-level dataset (overrides progressive.datasetDir)")
	epochs := flag.Int("epochs", 0, "Number of training epochs (overrides training.epochs)")
	batchSize := flag.Int("batch-size", 0, "Batch size (overrides training.batchSize)")
	learningRate := flag.Float64("lr", 0, "Learning rate (overrides training.learningRate)")
	runName := flag.String("run", "", "Run name in the checkpoint store (overrides training.runName)")
	useFlow := flag.Bool("use-flow", false, "Add the flow consistency term (overrides blindSpot.useFlow)")
	resume := flag.Bool("load", false, "Resume from the best checkpoint of the run (overrides training.load)")
	visualise := flag.Bool("visualise", false, "Save first-batch panels every epoch (overrides output.visualise)")
	flag.Parse()

	if *createConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to create config file: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command line flags win over the file, but only when given
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Data.InputDir = *inputDir
		case "dataset":
			cfg.Progressive.DatasetDir = *datasetDir
		case "epochs":
			cfg.Training.Epochs = *epochs
		case "batch-size":
			cfg.Training.BatchSize = *batchSize
		case "lr":
			cfg.Training.LearningRate = *learningRate
		case "run":
			cfg.Training.RunName = *runName
		case "use-flow":
			cfg.BlindSpot.UseFlow = *useFlow
		case "load":
			cfg.Training.Load = *resume
		case "visualise":
			cfg.Output.Visualise = *visualise
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if !cfg.Output.Verbose {
		monitoring.SetLogger(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("SELF-SUPERVISED OCT DENOISING")
	fmt.Printf("Mode: %s\n", *mode)
	fmt.Println("================================")

	startTime := time.Now()
	switch *mode {
	case "octa":
		err = runOCTA(cfg)
	case "n2s":
		err = runBlindSpot(ctx, cfg)
	case "pfn":
		err = runProgressive(ctx, cfg)
	case "evaluate":
		err = runEvaluate(ctx, cfg)
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", *mode, err)
	}
	fmt.Printf("\nCompleted in %.2f seconds\n", time.Since(startTime).Seconds())
}

// preparePairs runs the pseudo-target pipeline over the configured patients
func preparePairs(cfg *config.Config) ([]models.Pair, error) {
	if cfg.Data.InputDir == "" {
		return nil, fmt.Errorf("no input directory: set data.inputDir or -input")
	}
	p, err := pipeline.NewPipeline(&pipeline.Params{
		InputDir:         cfg.Data.InputDir,
		PatientPattern:   cfg.Data.PatientPattern,
		FirstPatient:     cfg.Data.FirstPatient,
		Patients:         cfg.Data.Patients,
		ImageSize:        cfg.Data.ImageSize,
		ImagesPerPatient: cfg.Data.ImagesPerPatient,
		OCTA: octa.Params{
			Neighbours:          cfg.OCTA.Neighbours,
			ThresholdPercentile: cfg.OCTA.ThresholdPercentile,
			SpeckleMinSize:      cfg.OCTA.SpeckleMinSize,
			Epsilon:             cfg.OCTA.Epsilon,
		},
		ConsecutivePairs:        cfg.Data.ConsecutivePairs,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Process(); err != nil {
		return nil, err
	}
	return p.Pairs(), nil
}

func runOCTA(cfg *config.Config) error {
	pairs, err := preparePairs(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d (scan, pseudo-target) pairs ready\n", len(pairs))
	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", cfg.Output.IntermediaryDir)
		fmt.Println("The following stages were saved per patient:")
		fmt.Println("- 01_scans: Resized input B-scans")
		fmt.Println("- 02_decorrelation: Averaged decorrelation maps")
		fmt.Println("- 03_thresholded: Maps after background suppression")
		fmt.Println("- 04_pseudo_targets: Maps after speckle removal")
		fmt.Println("- 05_enface.png: En-face projection of the pseudo-targets")
	}
	return nil
}

// openStore opens the configured checkpoint database, or an in-memory
// store when none is configured.
func openStore(cfg *config.Config) (checkpoint.Store, func(), error) {
	if cfg.Training.CheckpointDB == "" {
		return checkpoint.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Training.CheckpointDB), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	store, err := checkpoint.OpenSQLite(cfg.Training.CheckpointDB)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("Warning: failed to close checkpoint store: %v", err)
		}
	}, nil
}

// newSession builds the optimizer and session for model, resuming when
// configured to.
func newSession(ctx context.Context, cfg *config.Config, store checkpoint.Store, model nn.Model, scheme string) (*training.Session, error) {
	opt, err := nn.NewOptimizer(cfg.Training.Optimizer, cfg.Training.LearningRate)
	if err != nil {
		return nil, err
	}
	session, err := training.NewSession(ctx, model, opt, training.SessionOptions{
		Name:   cfg.Training.RunName,
		Scheme: scheme,
		Save:   cfg.Training.Save,
		Store:  store,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Training.Load {
		if err := session.Resume(ctx, cfg.Training.RunName, checkpoint.TagBest); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// finish writes the loss history and its plot
func finish(cfg *config.Config, session *training.Session, title string) {
	if cfg.Output.HistoryFile != "" {
		if err := session.WriteHistory(cfg.Output.HistoryFile); err != nil {
			log.Printf("Warning: failed to write history: %v", err)
		}
	}
	plotPath := filepath.Join(cfg.Output.PlotDir, fmt.Sprintf("%s_loss.png", cfg.Training.RunName))
	if err := visualization.PlotHistory(plotPath, title, session.History.TrainLoss, session.History.ValLoss); err != nil {
		log.Printf("Warning: failed to plot history: %v", err)
	}
	fmt.Printf("\nBest validation loss: %.6f\n", session.BestValLoss)
}

func panelPath(cfg *config.Config, scheme string, epoch int, train bool) string {
	split := "val"
	if train {
		split = "train"
	}
	return filepath.Join(cfg.Output.PlotDir, scheme, fmt.Sprintf("epoch_%03d_%s.png", epoch+1, split))
}

func runBlindSpot(ctx context.Context, cfg *config.Config) error {
	pairs, err := preparePairs(cfg)
	if err != nil {
		return err
	}
	trainIdx, valIdx := dataset.SplitByIndex(len(pairs), cfg.Training.ValSplit)
	fmt.Printf("Training on %d scans, validating on %d\n", len(trainIdx), len(valIdx))

	m, err := nn.New(cfg.Model.Name, nn.Options{KernelSize: cfg.Model.KernelSize, Seed: cfg.Model.Seed})
	if err != nil {
		return err
	}
	model, ok := m.(nn.SingleOutput)
	if !ok {
		return fmt.Errorf("model %s does not produce a single output", m.Name())
	}

	criterion, err := loss.ByName(cfg.BlindSpot.Criterion)
	if err != nil {
		return err
	}
	var extractor flow.Extractor
	if cfg.BlindSpot.UseFlow {
		extractor = flow.Default()
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	session, err := newSession(ctx, cfg, store, model, "n2s")
	if err != nil {
		return err
	}

	scheme, err := training.NewBlindSpot(model, session.Optimizer(), training.BlindSpotConfig{
		Partitions:      cfg.BlindSpot.Partitions,
		Criterion:       criterion,
		Flow:            extractor,
		Alpha:           cfg.BlindSpot.Alpha,
		ForegroundFloor: cfg.BlindSpot.ForegroundFloor,
	}, nil)
	if err != nil {
		return err
	}

	var rng *rand.Rand
	if cfg.Training.Shuffle {
		rng = rand.New(rand.NewSource(cfg.Training.Seed))
	}
	epoch := &training.BlindSpotEpoch{
		Scheme:    scheme,
		Pairs:     pairs,
		Split:     training.Split{Train: trainIdx, Val: valIdx},
		BatchSize: cfg.Training.BatchSize,
		Rng:       rng,
		Epochs:    session.Epoch + cfg.Training.Epochs,
	}
	if cfg.Output.Visualise {
		epoch.OnFirstBatch = func(e int, train bool, input *models.Tensor, res training.StepResult) {
			path := panelPath(cfg, "n2s", e, train)
			if err := visualization.SavePanel(path, input, res.FlowInput, res.FlowOutput, res.Output); err != nil {
				log.Printf("Warning: failed to save panel: %v", err)
			}
		}
	}

	trainer := &training.Trainer{
		Session:   session,
		Scheduler: training.NewPlateau(cfg.Training.Scheduler.Factor, cfg.Training.Scheduler.Patience),
		Epochs:    cfg.Training.Epochs,
		Label:     "N2S",
	}
	if _, err := trainer.Run(ctx, epoch); err != nil {
		return err
	}
	finish(cfg, session, "Blind-spot training loss")
	return nil
}

func runProgressive(ctx context.Context, cfg *config.Config) error {
	if cfg.Progressive.DatasetDir == "" {
		return fmt.Errorf("no dataset directory: set progressive.datasetDir or -dataset")
	}
	groups, err := dataset.DiscoverLevelGroups(cfg.Progressive.DatasetDir, cfg.Progressive.Levels)
	if err != nil {
		return err
	}
	levels := len(groups[0].Paths)
	trainIdx, valIdx, testIdx := dataset.SplitGroups(len(groups), cfg.Training.Seed)
	fmt.Printf("Found %d groups of %d levels: %d train, %d val, %d test\n",
		len(groups), levels, len(trainIdx), len(valIdx), len(testIdx))

	name := cfg.Model.Name
	if name == "conv3" {
		name = "progressive-conv3"
	}
	m, err := nn.New(name, nn.Options{KernelSize: cfg.Model.KernelSize, Seed: cfg.Model.Seed, Levels: levels - 1})
	if err != nil {
		return err
	}
	model, ok := m.(nn.MultiLevelOutput)
	if !ok {
		return fmt.Errorf("model %s does not produce multiple levels", m.Name())
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	session, err := newSession(ctx, cfg, store, model, "pfn")
	if err != nil {
		return err
	}

	scheme := training.NewProgressive(model, session.Optimizer(), cfg.Progressive.Epsilon)
	epoch := &training.ProgressiveEpoch{
		Scheme:    scheme,
		Groups:    groups,
		Split:     training.Split{Train: trainIdx, Val: valIdx},
		BatchSize: cfg.Training.BatchSize,
		ImageSize: cfg.Data.ImageSize,
		Rng:       rand.New(rand.NewSource(cfg.Training.Seed)),
		Epochs:    session.Epoch + cfg.Training.Epochs,
	}
	if cfg.Output.Visualise {
		epoch.OnFirstBatch = func(e int, train bool, input *models.Tensor, targets []*models.Tensor, res training.LevelResult) {
			tiles := append([]*models.Tensor{input}, res.Outputs...)
			tiles = append(tiles, targets...)
			if err := visualization.SavePanel(panelPath(cfg, "pfn", e, train), tiles...); err != nil {
				log.Printf("Warning: failed to save panel: %v", err)
			}
		}
	}

	trainer := &training.Trainer{
		Session:   session,
		Scheduler: training.NewPlateau(cfg.Training.Scheduler.Factor, cfg.Training.Scheduler.Patience),
		Epochs:    cfg.Training.Epochs,
		Label:     "PFN",
	}
	if _, err := trainer.Run(ctx, epoch); err != nil {
		return err
	}
	fmt.Printf("Final level validation loss: %.6f\n", epoch.FinalLevelLoss)

	if len(testIdx) > 0 {
		epoch.Split = training.Split{Val: testIdx}
		epoch.OnFirstBatch = nil
		testLoss, err := epoch.Run(ctx, session.Epoch-1, false)
		if err != nil {
			return fmt.Errorf("test pass: %w", err)
		}
		fmt.Printf("Test loss: %.6f (final level %.6f)\n", testLoss, epoch.FinalLevelLoss)
	}
	finish(cfg, session, "Progressive training loss")
	return nil
}

func runEvaluate(ctx context.Context, cfg *config.Config) error {
	pairs, err := preparePairs(cfg)
	if err != nil {
		return err
	}

	m, err := nn.New(cfg.Model.Name, nn.Options{KernelSize: cfg.Model.KernelSize, Seed: cfg.Model.Seed})
	if err != nil {
		return err
	}
	model, ok := m.(nn.SingleOutput)
	if !ok {
		return fmt.Errorf("model %s does not produce a single output", m.Name())
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	run, err := store.LatestRun(ctx, cfg.Training.RunName, checkpoint.TagBest)
	if err != nil {
		return fmt.Errorf("no run %q: %w", cfg.Training.RunName, err)
	}
	c, err := store.Load(ctx, run.ID, checkpoint.TagBest)
	if err != nil {
		return err
	}
	if err := nn.LoadParamState(model.Parameters(), c.Params); err != nil {
		return err
	}
	fmt.Printf("Loaded %s checkpoint of run %s (epoch %d, val loss %.6f)\n", checkpoint.TagBest, run.ID, c.Epoch+1, c.ValLoss)

	inputs := make([]*models.Scan, len(pairs))
	references := make([]*models.Scan, len(pairs))
	for i, p := range pairs {
		inputs[i], references[i] = p.Input, p.Target
	}
	res, err := evaluation.Run(model, inputs, references, cfg.OCTA.ThresholdPercentile)
	if err != nil {
		return err
	}

	fmt.Printf("\nEvaluation Metrics (%d scans):\n", len(pairs))
	fmt.Printf("=======================================\n")
	fmt.Printf("Peak Signal-to-Noise Ratio (PSNR): %.2f dB\n", res.Mean.PSNR)
	fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", res.Mean.RMSE)
	fmt.Printf("Structural Similarity Index (SSIM): %.3f\n", res.Mean.SSIM)
	fmt.Printf("Mutual Information (MI): %.3f\n", res.Mean.MI)
	fmt.Printf("Entropy Difference: %.3f\n", res.Mean.EntropyDiff)
	fmt.Printf("Contrast-to-Noise Ratio (CNR): %.3f\n", res.Mean.CNR)

	outDir := filepath.Join(cfg.Output.PlotDir, "evaluate")
	for i, out := range res.Outputs {
		if err := visualization.SavePanel(filepath.Join(outDir, fmt.Sprintf("%03d.png", i)),
			scanTensor(inputs[i]), scanTensor(out), scanTensor(references[i])); err != nil {
			log.Printf("Warning: failed to save evaluation panel %d: %v", i, err)
		}
	}
	data, err := json.MarshalIndent(res.Scores, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	return os.WriteFile(filepath.Join(outDir, "metrics.json"), data, 0644)
}

func scanTensor(s *models.Scan) *models.Tensor {
	t, err := models.TensorFromScans(s)
	if err != nil {
		return nil
	}
	return t
}
