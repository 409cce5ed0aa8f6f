package pack

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"custodia/canonical"
)

// sectionLabels carries the per-variant wording. Everything else about the
// pack shape is identical across variants.
type sectionLabels struct {
	CoverTitle  string
	SummaryLead string
	Audience    string
}

func labelsFor(t Type) (sectionLabels, error) {
	switch t {
	case TypeChargebackV1:
		return sectionLabels{
			CoverTitle:  "Chargeback Defense Pack",
			SummaryLead: "Evidence supporting the merchant response to a payment dispute.",
			Audience:    "card_network",
		}, nil
	case TypeReviewExtortionV1:
		return sectionLabels{
			CoverTitle:  "Review Extortion Defense Pack",
			SummaryLead: "Evidence documenting an extortionate review threat.",
			Audience:    "platform_trust_team",
		}, nil
	case TypeBBBV1:
		return sectionLabels{
			CoverTitle:  "BBB Complaint Response Pack",
			SummaryLead: "Evidence supporting the business response to a BBB complaint.",
			Audience:    "better_business_bureau",
		}, nil
	case TypeContractV1:
		return sectionLabels{
			CoverTitle:  "Contract Dispute Pack",
			SummaryLead: "Evidence supporting the contractual position.",
			Audience:    "counterparty_counsel",
		}, nil
	case TypeGenericV1:
		return sectionLabels{
			CoverTitle:  "Dispute Defense Pack",
			SummaryLead: "Evidence assembled for external submission.",
			Audience:    "general",
		}, nil
	default:
		return sectionLabels{}, fmt.Errorf("pack: unknown pack type %q", t)
	}
}

// buildDocument assembles the pack sections in their fixed order and returns
// the document with verification.pack_sha256 unset plus the hash computed
// over exactly that shape.
func buildDocument(snapshot DisputeSnapshot, inputs []InputArtifact, packType Type) (map[string]any, string, error) {
	labels, err := labelsFor(packType)
	if err != nil {
		return nil, "", err
	}

	cover := map[string]any{
		"title":              labels.CoverTitle,
		"pack_type":          string(packType),
		"dispute_id":         snapshot.DisputeID,
		"tenant_id":          snapshot.TenantID,
		"dispute_type":       snapshot.DisputeType,
		"dispute_title":      snapshot.Title,
		"initiator_party_id": snapshot.InitiatorPartyID,
		"dispute_opened_at":  formatTime(snapshot.CreatedAt),
	}

	summary := map[string]any{
		"lead":           labels.SummaryLead,
		"audience":       labels.Audience,
		"description":    snapshot.Description,
		"evidence_count": len(inputs),
	}

	chronology := buildChronology(inputs)

	index := make([]any, 0, len(inputs))
	for _, in := range sortedByAttach(inputs) {
		index = append(index, map[string]any{
			"input_id":    in.InputID,
			"input_type":  in.InputType,
			"source_id":   in.SourceID,
			"sha256":      in.CopiedSHA256,
			"attached_at": formatTime(in.AttachedAt),
		})
	}

	doc := map[string]any{
		"cover":             cover,
		"executive_summary": summary,
		"chronology":        chronology,
		"evidence_index":    index,
		"verification": map[string]any{
			"algorithm_version": AlgorithmVersion,
		},
	}

	// The hash covers the document with verification.pack_sha256 absent;
	// recomputing from identical inputs must land on the same value.
	sha, err := canonical.HashValue(doc)
	if err != nil {
		return nil, "", fmt.Errorf("pack: hash document: %w", err)
	}
	return doc, sha, nil
}

// buildChronology orders evidence entries ascending by occurrence time,
// falling back to creation time, with input id as the deterministic
// tiebreaker.
func buildChronology(inputs []InputArtifact) []any {
	entries := make([]InputArtifact, len(inputs))
	copy(entries, inputs)

	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := chronoTime(entries[i]), chronoTime(entries[j])
		if ti.Equal(tj) {
			return entries[i].InputID < entries[j].InputID
		}
		return ti.Before(tj)
	})

	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"occurred_at": formatTime(chronoTime(e)),
			"input_id":    e.InputID,
			"input_type":  e.InputType,
			"title":       e.Title,
			"source_type": e.SourceType,
			"sha256":      e.CopiedSHA256,
		})
	}
	return out
}

func chronoTime(in InputArtifact) time.Time {
	if in.OccurredAt != nil {
		return in.OccurredAt.UTC()
	}
	return in.CreatedAt.UTC()
}

func sortedByAttach(inputs []InputArtifact) []InputArtifact {
	out := make([]InputArtifact, len(inputs))
	copy(out, inputs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].InputID < out[j].InputID
		}
		return out[i].AttachedAt.Before(out[j].AttachedAt)
	})
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// RecomputeHash re-derives the pack hash from a stored document: the
// verification.pack_sha256 field is stripped and the remainder hashed under
// canonical serialization, exactly as at assembly time.
func RecomputeHash(packJSON []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(packJSON, &doc); err != nil {
		return "", fmt.Errorf("pack: parse document: %w", err)
	}
	if verification, ok := doc["verification"].(map[string]any); ok {
		delete(verification, "pack_sha256")
	}
	sha, err := canonical.HashValue(doc)
	if err != nil {
		return "", fmt.Errorf("pack: rehash document: %w", err)
	}
	return sha, nil
}
