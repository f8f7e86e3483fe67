// Command rfml trains and tests RF emitter classifiers.
//
//	rfml --config run.yaml train
//	rfml --config run.yaml test
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-rfml/checkpoints"
	"github.com/tsawler/go-rfml/config"
	"github.com/tsawler/go-rfml/layers"
	"github.com/tsawler/go-rfml/logger"
	"github.com/tsawler/go-rfml/models"
	"github.com/tsawler/go-rfml/training"
)

func main() {
	var args struct {
		Mode   string `arg:"positional,required" help:"train or test"`
		Config string `arg:"-c,--config" help:"YAML run configuration, overridden by RFML_ variables"`
	}
	p := arg.MustParse(&args)
	if args.Mode != "train" && args.Mode != "test" {
		p.Fail(fmt.Sprintf("unknown mode %q, want train or test", args.Mode))
	}

	cfg, err := config.Load(args.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogConsole); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args.Mode {
	case "train":
		err = train(ctx, cfg)
	case "test":
		err = test(ctx, cfg)
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", args.Mode).Msg("run failed")
	}
}

func newSession(cfg *config.Config) (*training.Session, error) {
	devices, err := config.VisibleDevices()
	if err != nil {
		return nil, err
	}
	s, err := training.NewSession(cfg.SessionConfig(devices))
	if err != nil {
		return nil, err
	}
	if err := s.LoadData(cfg.Sampling); err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	log.Info().
		Int("train", len(s.Data().Train)).
		Int("val", len(s.Data().Val)).
		Int("test", len(s.Data().Test)).
		Int("devices", s.Data().NumClasses()).
		Msg("loaded partition")
	return s, nil
}

func train(ctx context.Context, cfg *config.Config) error {
	s, err := newSession(cfg)
	if err != nil {
		return err
	}

	kind, err := models.ParseKind(cfg.Model.Type)
	if err != nil {
		return err
	}
	mc := cfg.ModelConfig(s.Data().NumClasses())
	spec, err := models.Build(kind, mc)
	if err != nil {
		return err
	}
	if err := s.AddModel(mc.SliceSize, mc.Classes, kind.String(), spec); err != nil {
		return err
	}
	if cfg.Train.Continue && cfg.Model.Weights != "" {
		if err := s.LoadWeights(cfg.Model.Weights); err != nil {
			return err
		}
		log.Info().Int("epoch", s.EpochNumber()).Msg("continuing training")
	}

	if err := s.Train(ctx, cfg.Train); err != nil {
		return err
	}
	log.Info().Str("weights", s.BestModelPath()).Msg("training finished")
	return nil
}

func test(ctx context.Context, cfg *config.Config) error {
	s, err := newSession(cfg)
	if err != nil {
		return err
	}

	kind, err := models.ParseKind(cfg.Model.Type)
	if err != nil {
		return err
	}
	mc := cfg.ModelConfig(s.Data().NumClasses())
	if err := s.LoadModelStructure(mc.SliceSize, mc.Classes, layers.ModelPath(cfg.Session.SavePath, kind.String())); err != nil {
		return err
	}
	weights := cfg.Model.Weights
	if weights == "" {
		weights = filepath.Join(cfg.Session.SavePath, checkpoints.DefaultFilename)
	}
	if err := s.LoadWeights(weights); err != nil {
		return err
	}

	result, err := s.Test(ctx, cfg.Test)
	if err != nil {
		return err
	}
	fmt.Printf("slice accuracy:   %.4f\n", result.SliceAccuracy)
	fmt.Printf("example accuracy: %.4f (%s vote)\n", result.ExampleAccuracy, cfg.Test.Vote)
	return nil
}
