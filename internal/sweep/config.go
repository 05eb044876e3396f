package sweep

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks a malformed sweep configuration. Anything wrapping it is
// fatal before any run starts, as opposed to failures scoped to a single run.
var ErrConfig = errors.New("invalid sweep config")

const (
	GoalMinimize = "minimize"
	GoalMaximize = "maximize"
)

const (
	ModalityLightcurve = "lightcurve"
	ModalitySpectral   = "spectral"
	ModalityHostGalaxy = "host_galaxy"
)

const (
	TaskPretraining    = "pretraining"
	TaskRegression     = "regression"
	TaskClassification = "classification"
)

type Metric struct {
	Goal string `yaml:"goal" json:"goal"`
	Name string `yaml:"name" json:"name"`
}

type Ref struct {
	Id string `yaml:"id" json:"id"`
}

// FoldList accepts either a single fold number or a sequence of them. It
// normalizes to a sorted, deduplicated list during validation.
type FoldList []int

func (f *FoldList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var n int
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("foldnumber must be an integer or a list of integers: %w", err)
		}
		*f = FoldList{n}
	case yaml.SequenceNode:
		var ns []int
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("foldnumber must be an integer or a list of integers: %w", err)
		}
		*f = ns
	default:
		return fmt.Errorf("foldnumber must be an integer or a list of integers")
	}
	return nil
}

type ExtraArgs struct {
	FilenameTrainset string `yaml:"filename_trainset" json:"filename_trainset"`

	Combinations []string `yaml:"combinations" json:"combinations"`

	Noise          bool `yaml:"noise" json:"noise"`
	Regression     bool `yaml:"regression" json:"regression"`
	Classification bool `yaml:"classification" json:"classification"`

	Kfolds     int      `yaml:"kfolds" json:"kfolds"`
	Foldnumber FoldList `yaml:"foldnumber" json:"foldnumber"`

	PretrainLcPath   string `yaml:"pretrain_lc_path" json:"pretrain_lc_path"`
	FreezeBackboneLc bool   `yaml:"freeze_backbone_lc" json:"freeze_backbone_lc"`

	ValFraction           float64 `yaml:"val_fraction" json:"val_fraction"`
	SpectralRescalefactor float64 `yaml:"spectral_rescalefactor" json:"spectral_rescalefactor"`
	MaxSpectralDataLen    int     `yaml:"max_spectral_data_len" json:"max_spectral_data_len"`

	Patience  int   `yaml:"patience" json:"patience"`
	MaxEpochs int   `yaml:"max_epochs" json:"max_epochs"`
	Seed      int64 `yaml:"seed" json:"seed"`
}

func defaultExtraArgs() ExtraArgs {
	return ExtraArgs{
		ValFraction:           0.05,
		SpectralRescalefactor: 1.0,
		MaxSpectralDataLen:    1000,
		Patience:              10,
		MaxEpochs:             100,
	}
}

// Task reports which downstream objective the sweep trains for. With neither
// flag set the runs are contrastive pretraining only.
func (e ExtraArgs) Task() string {
	switch {
	case e.Regression:
		return TaskRegression
	case e.Classification:
		return TaskClassification
	default:
		return TaskPretraining
	}
}

type Spec struct {
	Method     string           `yaml:"method" json:"method"`
	Metric     Metric           `yaml:"metric" json:"metric"`
	Sweep      Ref              `yaml:"sweep" json:"sweep"`
	Parameters map[string][]any `yaml:"parameters" json:"parameters"`
	ExtraArgs  ExtraArgs        `yaml:"extra_args" json:"extra_args"`
}

// Parse decodes and validates a sweep configuration document. Unknown keys at
// any level are rejected rather than silently dropped, since a typo in a
// hyperparameter name would otherwise discard a whole grid axis.
func Parse(data []byte) (*Spec, error) {
	spec := Spec{ExtraArgs: defaultExtraArgs()}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if err := spec.validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	return Parse(data)
}

func (s *Spec) validate() error {
	if s.Method != "grid" {
		return fmt.Errorf("%w: method must be 'grid', got %q", ErrConfig, s.Method)
	}

	if s.Metric.Name == "" {
		return fmt.Errorf("%w: metric.name is required", ErrConfig)
	}
	if s.Metric.Goal != GoalMinimize && s.Metric.Goal != GoalMaximize {
		return fmt.Errorf("%w: metric.goal must be %q or %q, got %q", ErrConfig, GoalMinimize, GoalMaximize, s.Metric.Goal)
	}

	if len(s.Parameters) == 0 {
		return fmt.Errorf("%w: parameters must not be empty", ErrConfig)
	}
	for name, values := range s.Parameters {
		if len(values) == 0 {
			return fmt.Errorf("%w: parameter %q has no values", ErrConfig, name)
		}
		for _, v := range values {
			switch v.(type) {
			case bool, int, int64, float64, string:
			default:
				return fmt.Errorf("%w: parameter %q has non-scalar value %v", ErrConfig, name, v)
			}
		}
	}

	return s.validateExtraArgs()
}

func (s *Spec) validateExtraArgs() error {
	e := &s.ExtraArgs

	if e.FilenameTrainset == "" {
		return fmt.Errorf("%w: extra_args.filename_trainset is required", ErrConfig)
	}

	if len(e.Combinations) == 0 {
		return fmt.Errorf("%w: extra_args.combinations must not be empty", ErrConfig)
	}
	seen := make(map[string]bool)
	for _, m := range e.Combinations {
		switch m {
		case ModalityLightcurve, ModalitySpectral, ModalityHostGalaxy:
		default:
			return fmt.Errorf("%w: unknown modality %q in combinations", ErrConfig, m)
		}
		if seen[m] {
			return fmt.Errorf("%w: duplicate modality %q in combinations", ErrConfig, m)
		}
		seen[m] = true
	}
	sort.Strings(e.Combinations)

	if e.Regression && e.Classification {
		return fmt.Errorf("%w: regression and classification are mutually exclusive", ErrConfig)
	}

	if e.Kfolds != 0 && e.Kfolds < 2 {
		return fmt.Errorf("%w: kfolds must be 0 or at least 2, got %d", ErrConfig, e.Kfolds)
	}
	if e.Kfolds == 0 && len(e.Foldnumber) > 0 {
		return fmt.Errorf("%w: foldnumber given without kfolds", ErrConfig)
	}
	for _, fold := range e.Foldnumber {
		if fold < 0 || fold >= e.Kfolds {
			return fmt.Errorf("%w: foldnumber %d out of range for %d folds", ErrConfig, fold, e.Kfolds)
		}
	}
	sort.Ints(e.Foldnumber)
	e.Foldnumber = slices.Compact(e.Foldnumber)

	if e.Kfolds == 0 && (e.ValFraction <= 0 || e.ValFraction >= 1) {
		return fmt.Errorf("%w: val_fraction must be in (0,1), got %v", ErrConfig, e.ValFraction)
	}

	if e.SpectralRescalefactor <= 0 {
		return fmt.Errorf("%w: spectral_rescalefactor must be positive, got %v", ErrConfig, e.SpectralRescalefactor)
	}
	if e.MaxSpectralDataLen <= 0 {
		return fmt.Errorf("%w: max_spectral_data_len must be positive, got %d", ErrConfig, e.MaxSpectralDataLen)
	}

	if e.Patience < 0 {
		return fmt.Errorf("%w: patience must not be negative, got %d", ErrConfig, e.Patience)
	}
	if e.MaxEpochs < 1 {
		return fmt.Errorf("%w: max_epochs must be at least 1, got %d", ErrConfig, e.MaxEpochs)
	}

	return nil
}

// SelectedFolds lists the fold indices this sweep trains, all of 0..K-1 unless
// foldnumber narrows them. Empty when cross-validation is off.
func (s *Spec) SelectedFolds() []int {
	if s.ExtraArgs.Kfolds == 0 {
		return nil
	}
	if len(s.ExtraArgs.Foldnumber) > 0 {
		return slices.Clone(s.ExtraArgs.Foldnumber)
	}

	out := make([]int, s.ExtraArgs.Kfolds)
	for i := range out {
		out[i] = i
	}
	return out
}
