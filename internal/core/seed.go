package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/logging"
	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// SeedJurisdiction get-or-creates every element defined in the
// jurisdiction's element files. Contests are not joined to any election
// until a load names one.
func (s *Service) SeedJurisdiction(ctx context.Context, name string) (SeedResult, error) {
	res := SeedResult{Jurisdiction: name}
	j, err := s.Jurisdiction(name)
	if err != nil {
		return res, err
	}
	e := newElementSet(s.engine.WithCache(), j, 0)

	for _, u := range j.Units {
		if _, err := e.unit(ctx, u.Name); err != nil {
			return res, fmt.Errorf("seed %s: %w", name, err)
		}
		res.Units++
	}
	for _, p := range j.Parties {
		if _, err := e.party(ctx, p); err != nil {
			return res, fmt.Errorf("seed %s: party %q: %w", name, p, err)
		}
		res.Parties++
	}
	for _, o := range j.Offices {
		if _, err := e.office(ctx, o.Name); err != nil {
			return res, fmt.Errorf("seed %s: office %q: %w", name, o.Name, err)
		}
		res.Offices++
	}
	for _, c := range j.CandidateContests {
		if _, err := e.contest(ctx, canon.CandidateKind, c.Name); err != nil {
			return res, fmt.Errorf("seed %s: %w", name, err)
		}
		res.Contests++
	}
	for _, c := range j.BallotMeasureContests {
		if _, err := e.contest(ctx, canon.BallotMeasureKind, c.Name); err != nil {
			return res, fmt.Errorf("seed %s: %w", name, err)
		}
		res.Contests++
	}
	for _, c := range j.Candidates {
		if _, err := e.candidate(ctx, c); err != nil {
			return res, fmt.Errorf("seed %s: candidate %q: %w", name, c, err)
		}
		res.Candidates++
	}
	for _, x := range j.ExternalIDs {
		if err := e.externalID(ctx, x); err != nil {
			return res, fmt.Errorf("seed %s: external identifier %s %q: %w", name, x.Element, x.InternalName, err)
		}
		res.ExternalIDs++
	}

	logging.FromContext(ctx).Info("jurisdiction seeded",
		"jurisdiction", name,
		"units", res.Units,
		"parties", res.Parties,
		"contests", res.Contests,
		"external_ids", res.ExternalIDs,
	)
	return res, nil
}

// externalID records an identifier of an element. Identifier types outside
// the enumeration are stored as "other" with the raw type alongside.
func (e *elementSet) externalID(ctx context.Context, x canon.ExternalID) error {
	var (
		foreignID int64
		err       error
	)
	switch x.Element {
	case canon.ReportingUnit:
		foreignID, err = e.unit(ctx, x.InternalName)
	case canon.Party:
		foreignID, err = e.party(ctx, x.InternalName)
	case canon.Office:
		foreignID, err = e.office(ctx, x.InternalName)
	case canon.CandidateContest:
		foreignID, err = e.contest(ctx, canon.CandidateKind, x.InternalName)
	case canon.BallotMeasureContest:
		foreignID, err = e.contest(ctx, canon.BallotMeasureKind, x.InternalName)
	case canon.Candidate:
		foreignID, err = e.candidate(ctx, x.InternalName)
	default:
		return fmt.Errorf("element %q cannot carry external identifiers", x.Element)
	}
	if err != nil {
		return err
	}

	otherType := ""
	typeID, err := e.enum(ctx, store.TableIdentifierType, x.IdentifierType)
	if errors.Is(err, upsert.ErrNotFound) {
		otherType = x.IdentifierType
		typeID, err = e.enum(ctx, store.TableIdentifierType, "other")
	}
	if err != nil {
		return err
	}

	_, err = e.eng.GetOrCreate(ctx, store.TableExternalIdentifier,
		upsert.Values{
			"foreign_id":            foreignID,
			"identifier_type_id":    typeID,
			"other_identifier_type": otherType,
			"value":                 x.Value,
		},
		upsert.Values{"element_type": string(x.Element)})
	return err
}
