package resources

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// ClusterOps are the clustering operations that do not fit the
// diff-and-apply cycle: enabling clustering and issuing join tokens.
type ClusterOps interface {
	// EnableClustering turns the standalone server into a single-member
	// cluster named after the member. Reports false when the server is
	// already clustered.
	EnableClustering(ctx context.Context, remote, member string) (bool, error)

	// JoinToken generates a join token for a prospective member.
	JoinToken(ctx context.Context, remote, member string) (string, error)

	// ListMembers returns the current cluster member names.
	ListMembers(ctx context.Context, remote string) ([]string, error)
}

// ClusterMemberSpec is the desired state of one cluster member.
type ClusterMemberSpec struct {
	Name string `yaml:"name" validate:"required"`

	// Groups is the exhaustive set of cluster groups the member belongs
	// to. Nil leaves group membership ungoverned.
	Groups []string `yaml:"groups"`

	// Config keys of the member (scheduler.instance and friends).
	Config map[string]interface{} `yaml:"config"`

	DryRun bool `yaml:"-"`
}

func ClusterMemberPolicy() recon.Policy {
	return recon.Policy{
		Kind: "cluster-member",
		Rules: []recon.FieldRule{
			{Field: "config", Strategy: recon.StrategyKeyUpsert},
			{
				Field:      "groups",
				Strategy:   recon.StrategyListMembership,
				Exhaustive: true,
			},
		},
	}
}

// Cluster manages cluster membership. A member that does not exist yet
// cannot be created from here; joining requires running the agent on the
// new member with a join token, so Ensure on a missing member reports
// the token instead.
type Cluster struct {
	conv  *recon.Converger
	ops   ClusterOps
	scope Scope
	log   zerolog.Logger
}

func NewCluster(conv *recon.Converger, ops ClusterOps, scope Scope, logger zerolog.Logger) *Cluster {
	return &Cluster{conv: conv, ops: ops, scope: scope, log: componentLogger(logger, "cluster")}
}

// Enable turns the server into a single-member cluster.
func (c *Cluster) Enable(ctx context.Context, member string, dryRun bool) (*Report, error) {
	if member == "" {
		return nil, recon.NewError(recon.KindSchemaMismatch, "enable needs a member name", nil)
	}
	if dryRun {
		return &Report{Changed: true, Msg: "Clustering would be enabled"}, nil
	}
	changed, err := c.ops.EnableClustering(ctx, c.scope.Remote, member)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &Report{Msg: "Clustering already enabled"}, nil
	}
	return &Report{Changed: true, Msg: "Clustering enabled"}, nil
}

// Ensure converges an existing member's groups and config. When the
// member is not part of the cluster yet, a join token is generated and
// returned in the report instead.
func (c *Cluster) Ensure(ctx context.Context, spec ClusterMemberSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{"config": stringMapValues(spec.Config)}
	if spec.Groups != nil {
		desired["groups"] = spec.Groups
	}
	res, err := c.conv.Reconcile(ctx, c.scope.identity(spec.Name), desired, ClusterMemberPolicy(),
		recon.Options{DryRun: spec.DryRun, NoCreate: true})
	if recon.IsNotFound(err) {
		if spec.DryRun {
			return &Report{Changed: true, Msg: "Join token would be generated"}, nil
		}
		token, terr := c.ops.JoinToken(ctx, c.scope.Remote, spec.Name)
		if terr != nil {
			return nil, terr
		}
		report := &Report{
			Changed: true,
			Msg:     fmt.Sprintf("Join token generated for %s", spec.Name),
		}
		return report.withExtra("join_token", token), nil
	}
	if err != nil {
		return nil, err
	}
	return reportFor("Cluster member", res, spec.DryRun), nil
}

// Remove evicts the member from the cluster. Force evicts even when the
// member still hosts instances.
func (c *Cluster) Remove(ctx context.Context, member string, force, dryRun bool) (*Report, error) {
	res, err := c.conv.Destroy(ctx, c.scope.identity(member), "cluster-member",
		recon.Options{Force: force, DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Cluster member", res, dryRun), nil
}

// Members lists the current cluster member names.
func (c *Cluster) Members(ctx context.Context) ([]string, error) {
	return c.ops.ListMembers(ctx, c.scope.Remote)
}
