// Package revoke validates revocation authority. A revocation never deletes
// the target decision; it only blocks future payment eligibility.
package revoke

import (
	"context"

	"fides/pkg/models"
)

// HierarchyDirectory answers whether one authority sits above another in the
// administrative hierarchy. Lookups may be remote; callers pass a context.
type HierarchyDirectory interface {
	IsSuperior(ctx context.Context, candidateID, authorityID string) (bool, error)
}

// typeAuthorities maps each revocation type to the authorities allowed to
// exercise it.
var typeAuthorities = map[string]map[string]struct{}{
	"voluntary":  {"original_decider": {}},
	"superseded": {"original_decider": {}, "hierarchical_superior": {}},
	"oversight":  {"oversight_authority": {}, "hierarchical_superior": {}},
	"judicial":   {"judicial_authority": {}},
}

// Checker verifies that the claimed revoker authority actually holds over the
// target decision.
type Checker struct {
	directory HierarchyDirectory
}

func NewChecker(directory HierarchyDirectory) *Checker {
	return &Checker{directory: directory}
}

// Authorize implements the ledger's revocation gate. The intrinsic field
// checks have already run; this resolves the claimed authority against the
// target decision record.
func (c *Checker) Authorize(ctx context.Context, rr *models.RevocationRecord, target *models.DecisionRecord) error {
	allowed, ok := typeAuthorities[rr.RevocationType]
	if !ok {
		return models.RevocationAuthorityError("INVALID_REVOCATION_TYPE", "revocation_type %q is not recognized", rr.RevocationType)
	}
	if _, ok := allowed[rr.RevokerAuthority]; !ok {
		return models.RevocationAuthorityError("AUTHORITY_TYPE_MISMATCH",
			"%s revocations cannot be exercised by %s", rr.RevocationType, rr.RevokerAuthority)
	}

	switch rr.RevokerAuthority {
	case "original_decider":
		return c.checkOriginalDecider(rr, target)
	case "hierarchical_superior":
		return c.checkSuperior(ctx, rr, target)
	case "oversight_authority":
		return c.checkOversight(rr, target)
	case "judicial_authority":
		return c.checkJudicial(rr)
	}
	return models.RevocationAuthorityError("INVALID_REVOKER_AUTHORITY", "revoker_authority %q is not recognized", rr.RevokerAuthority)
}

func (c *Checker) checkOriginalDecider(rr *models.RevocationRecord, target *models.DecisionRecord) error {
	deciders := make(map[string]struct{}, len(target.DecidersID)+len(target.ReinforcedDeciders))
	for _, id := range target.DecidersID {
		deciders[id] = struct{}{}
	}
	for _, id := range target.ReinforcedDeciders {
		deciders[id] = struct{}{}
	}
	for _, id := range rr.RevokerID {
		if _, ok := deciders[id]; !ok {
			return models.RevocationAuthorityError("NOT_ORIGINAL_DECIDER",
				"revoker %q did not participate in the target decision", id)
		}
	}
	return nil
}

func (c *Checker) checkSuperior(ctx context.Context, rr *models.RevocationRecord, target *models.DecisionRecord) error {
	if c.directory == nil {
		return models.RevocationAuthorityError("HIERARCHY_UNAVAILABLE",
			"no hierarchy directory configured for hierarchical_superior revocations")
	}
	for _, id := range rr.RevokerID {
		superior, err := c.directory.IsSuperior(ctx, id, target.AuthorityID)
		if err != nil {
			return models.RevocationAuthorityError("HIERARCHY_LOOKUP_FAILED",
				"hierarchy lookup for %q: %v", id, err)
		}
		if !superior {
			return models.RevocationAuthorityError("NOT_HIERARCHICAL_SUPERIOR",
				"revoker %q is not a superior of %q", id, target.AuthorityID)
		}
	}
	return nil
}

func (c *Checker) checkOversight(rr *models.RevocationRecord, target *models.DecisionRecord) error {
	// Special-regime decisions name their oversight authority explicitly;
	// only that authority may revoke on oversight grounds. A decision that
	// names none has no oversight path at all.
	if target.OversightAuthority == "" {
		return models.RevocationAuthorityError("NOT_OVERSIGHT_AUTHORITY",
			"target decision %q names no oversight authority", target.DecisionID)
	}
	for _, id := range rr.RevokerID {
		if id != target.OversightAuthority {
			return models.RevocationAuthorityError("NOT_OVERSIGHT_AUTHORITY",
				"revoker %q is not the designated oversight authority %q", id, target.OversightAuthority)
		}
	}
	return nil
}

func (c *Checker) checkJudicial(rr *models.RevocationRecord) error {
	if rr.CourtOrder == "" {
		return models.RevocationAuthorityError("COURT_ORDER_REQUIRED",
			"judicial revocations must cite a court order")
	}
	return nil
}
