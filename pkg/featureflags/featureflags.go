package featureflags

import (
	"context"
	"sort"

	"safekey-licensing/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	Enabled() bool
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
	EnabledFeatures(ctx context.Context, identifier string, traits ...*flagsmith.Trait) ([]string, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

// ProvideFeatureFlag returns a client that reports no flags when FLAGSMITH.API_KEY
// is empty.
func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("flagsmith disabled, no api key configured")
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled() bool {
	return s.client != nil
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	if s.client == nil {
		return flagsmith.Flags{}, nil
	}

	var traitSlice []*flagsmith.Trait
	if len(traits) > 0 {
		traitSlice = traits
	}

	return s.client.GetIdentityFlags(identifier, traitSlice)
}

// EnabledFeatures lists the names of the flags switched on for identifier,
// sorted.
func (s *featureflag) EnabledFeatures(ctx context.Context, identifier string, traits ...*flagsmith.Trait) ([]string, error) {
	if s.client == nil {
		return nil, nil
	}

	flags, err := s.Flags(ctx, identifier, traits...)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, f := range flags.AllFlags() {
		if f.Enabled {
			names = append(names, f.FeatureName)
		}
	}
	sort.Strings(names)

	return names, nil
}
