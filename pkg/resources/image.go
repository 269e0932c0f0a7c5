package resources

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// FingerprintResolver resolves the fingerprint stored under an image
// alias, outside the diff cycle. Implemented by the CLI backend client.
type FingerprintResolver interface {
	ImageFingerprint(ctx context.Context, id recon.Identity) (string, error)
}

// ImageSpec is the desired state of an image in the local store,
// addressed by its primary alias.
type ImageSpec struct {
	Alias string `yaml:"alias" validate:"required"`

	// Source is the image to copy from, in CLI notation
	// ("images:debian/12"). Required when the image is not present yet.
	Source string `yaml:"source"`

	// Fingerprint pins the expected image, as a full fingerprint or a
	// prefix. When the stored image differs it is deleted and re-created
	// from Source.
	Fingerprint string `yaml:"fingerprint"`

	// Properties are declarative and destructive: a property omitted here
	// is deleted from the image.
	Properties map[string]interface{} `yaml:"properties"`

	// Aliases are the additional aliases. Together with the primary alias
	// they form the exhaustive alias set.
	Aliases []string `yaml:"aliases"`

	Public     bool `yaml:"public"`
	AutoUpdate bool `yaml:"auto_update"`

	DryRun bool `yaml:"-"`
}

// ImagePolicy makes image properties fully declarative, unlike config
// maps elsewhere. Omitting a property deletes it.
func ImagePolicy() recon.Policy {
	return recon.Policy{
		Kind: "image",
		Rules: []recon.FieldRule{
			{Field: "properties", Strategy: recon.StrategyPropertyReplaceAll},
			{Field: "public", Strategy: recon.StrategyFullReplace},
			{
				Field:      "aliases",
				Strategy:   recon.StrategyListMembership,
				Exhaustive: true,
			},
		},
	}
}

// Images reconciles the image store.
type Images struct {
	conv  *recon.Converger
	store FingerprintResolver
	scope Scope
	log   zerolog.Logger
}

// NewImages creates the image controller. store may be nil; the report
// then carries no fingerprint and fingerprint pins are not enforced.
func NewImages(conv *recon.Converger, store FingerprintResolver, scope Scope, logger zerolog.Logger) *Images {
	return &Images{conv: conv, store: store, scope: scope, log: componentLogger(logger, "images")}
}

// Ensure converges the image onto spec, copying it from the source when
// missing. When a fingerprint is pinned and the stored image differs,
// the image is replaced (delete and re-copy).
func (i *Images) Ensure(ctx context.Context, spec ImageSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	public := "false"
	if spec.Public {
		public = "true"
	}
	desired := recon.Object{
		"public": public,
		"init": map[string]interface{}{
			"source":      spec.Source,
			"fingerprint": spec.Fingerprint,
			"auto_update": spec.AutoUpdate,
		},
	}
	// Properties are destructive; leave them ungoverned when the spec does
	// not mention them at all.
	if spec.Properties != nil {
		desired["properties"] = stringMapValues(spec.Properties)
	}
	if spec.Aliases != nil {
		desired["aliases"] = withPrimaryAlias(spec.Alias, spec.Aliases)
	}

	id := i.scope.identity(spec.Alias)
	observedFP, err := i.fingerprint(ctx, id)
	if err != nil {
		return nil, err
	}

	opts := recon.Options{DryRun: spec.DryRun}
	if spec.Fingerprint != "" && observedFP != "" && !strings.HasPrefix(observedFP, spec.Fingerprint) {
		// The alias points at a different image than the pin requests:
		// replace it from the source.
		opts.Reuse = true
	}

	res, err := i.conv.Reconcile(ctx, id, desired, ImagePolicy(), opts)
	if err != nil {
		return nil, err
	}
	report := reportFor("Image", res, spec.DryRun)

	fingerprint := observedFP
	if res.Changed && !spec.DryRun {
		if fp, ferr := i.fingerprint(ctx, id); ferr == nil && fp != "" {
			fingerprint = fp
		}
	}
	if fingerprint != "" {
		report.withExtra("fingerprint", fingerprint)
	}
	if res.Changed {
		report.withExtra("alias", spec.Alias)
	}
	return report, nil
}

func (i *Images) fingerprint(ctx context.Context, id recon.Identity) (string, error) {
	if i.store == nil {
		return "", nil
	}
	fp, err := i.store.ImageFingerprint(ctx, id)
	if err != nil {
		if recon.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return fp, nil
}

// withPrimaryAlias prepends the primary alias so exhaustive membership
// never removes the name the image is addressed by.
func withPrimaryAlias(primary string, extra []string) []string {
	out := []string{primary}
	for _, a := range extra {
		if a != primary {
			out = append(out, a)
		}
	}
	return out
}

// Remove deletes the image addressed by the alias.
func (i *Images) Remove(ctx context.Context, alias string, dryRun bool) (*Report, error) {
	res, err := i.conv.Destroy(ctx, i.scope.identity(alias), "image",
		recon.Options{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Image", res, dryRun), nil
}
