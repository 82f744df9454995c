// Package settings loads and processes tenant configuration payloads into
// the immutable snapshot the decision engine evaluates against. Processing
// runs once per payload: campaigns are linked onto feature rules as
// filtered clones, bucket ranges are assigned, and the result is never
// mutated afterwards.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/featuregrid/featuregrid/internal/bucketing"
	"github.com/featuregrid/featuregrid/internal/models"
)

// ErrInvalidSettings is returned for payloads that cannot back evaluation.
var ErrInvalidSettings = errors.New("settings: invalid payload")

// Parse decodes and processes a settings payload.
func Parse(raw []byte) (*models.Settings, error) {
	var s models.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("settings: decode: %w", err)
	}
	if err := Process(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and processes a settings file.
func LoadFile(path string) (*models.Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Process validates a decoded payload and derives the per-rule campaign
// snapshots. A rule that references a specific variation yields a campaign
// clone containing only that variation; its weight doubles as the rule's
// traffic allocation.
func Process(s *models.Settings) error {
	if s == nil || s.AccountID == 0 {
		return fmt.Errorf("%w: missing account id", ErrInvalidSettings)
	}

	for _, c := range s.Campaigns {
		assignCampaignRanges(c)
	}

	for _, f := range s.Features {
		f.RulesLinkedCampaign = f.RulesLinkedCampaign[:0]
		for _, rule := range f.Rules {
			base := s.CampaignByID(rule.CampaignID)
			if base == nil {
				continue
			}
			linked := base.Clone()
			linked.RuleKey = rule.RuleKey
			if rule.VariationID != 0 {
				pinned := variationByID(linked.Variations, rule.VariationID)
				if pinned == nil {
					continue
				}
				linked.Variations = []*models.Variation{pinned}
			}
			assignCampaignRanges(linked)
			f.RulesLinkedCampaign = append(f.RulesLinkedCampaign, linked)
		}
	}
	return nil
}

// assignCampaignRanges sets bucket ranges according to the campaign's
// traffic model.
func assignCampaignRanges(c *models.Campaign) {
	if len(c.Variations) == 0 {
		return
	}
	if c.IsRolloutOrPersonalize() {
		bucketing.AssignRolloutRange(c.Variations[0])
		return
	}
	bucketing.AssignRanges(c.Variations)
}

func variationByID(variations []*models.Variation, id int) *models.Variation {
	for _, v := range variations {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// Fingerprint returns a short stable hash of the processed payload, used
// for change detection and as an ETag on the settings endpoint.
func Fingerprint(s *models.Settings) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}
