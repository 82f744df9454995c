// Package models defines the configuration and per-call value types the
// decision engine operates on. Settings and everything hanging off them are
// built once when a configuration payload is processed and treated as
// immutable from then on; sharing a Settings snapshot across concurrent
// evaluations is safe.
package models

import "strconv"

// Campaign types. Rollout and Personalize campaigns carry exactly one
// variation acting as the "on" state; AB campaigns split traffic across
// several weighted variations.
const (
	CampaignTypeRollout     = "ROLLOUT"
	CampaignTypeAB          = "AB"
	CampaignTypePersonalize = "PERSONALIZE"
)

// GroupAlgorithm selects how a mutually exclusive group picks its winner.
type GroupAlgorithm int

const (
	// AlgoRandom distributes traffic equally across eligible campaigns.
	AlgoRandom GroupAlgorithm = iota
	// AlgoPriorityWeighted walks the group's priority list first and falls
	// back to the configured weight map.
	AlgoPriorityWeighted
)

// Settings is a tenant's full campaign configuration. It is replaced
// wholesale when a new payload arrives; individual fields are never mutated
// after settings.Process has run.
type Settings struct {
	AccountID        int               `json:"accountId"`
	SDKKey           string            `json:"sdkKey"`
	Version          int               `json:"version"`
	Features         []*Feature        `json:"features"`
	Campaigns        []*Campaign       `json:"campaigns"`
	Groups           map[string]*Group `json:"groups"`
	CampaignGroups   map[string]int    `json:"campaignGroups"`
	CollectionPrefix string            `json:"collectionPrefix,omitempty"`
}

// CampaignByID returns the campaign with the given id, or nil.
func (s *Settings) CampaignByID(id int) *Campaign {
	for _, c := range s.Campaigns {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// FeatureByKey returns the feature with the given key, or nil.
func (s *Settings) FeatureByKey(key string) *Feature {
	for _, f := range s.Features {
		if f.Key == key {
			return f
		}
	}
	return nil
}

// GroupForCampaign looks up the mutually exclusive group a campaign belongs
// to. Personalize rules are registered under "campaignId_variationId" tokens,
// so the variation-qualified token is checked first.
func (s *Settings) GroupForCampaign(campaignID, variationID int) (groupID int, ok bool) {
	if s.CampaignGroups == nil {
		return 0, false
	}
	if variationID != 0 {
		if g, found := s.CampaignGroups[strconv.Itoa(campaignID)+"_"+strconv.Itoa(variationID)]; found {
			return g, true
		}
	}
	g, found := s.CampaignGroups[strconv.Itoa(campaignID)]
	return g, found
}

// Feature is a named capability gated by one or more campaign rules.
type Feature struct {
	ID             int             `json:"id"`
	Key            string          `json:"key"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Metrics        []Metric        `json:"metrics"`
	Rules          []Rule          `json:"rules"`
	ImpactCampaign *ImpactCampaign `json:"impactCampaign,omitempty"`

	// RulesLinkedCampaign holds per-rule campaign snapshots derived during
	// settings processing. A rule that references a specific variation gets a
	// campaign clone containing only that variation. Read-only after build.
	RulesLinkedCampaign []*Campaign `json:"-"`
}

// Metric names a trackable conversion goal attached to a feature.
type Metric struct {
	ID         int    `json:"id"`
	Identifier string `json:"identifier"`
	Type       string `json:"type"`
}

// Rule links a feature to a campaign, optionally pinned to one variation.
type Rule struct {
	CampaignID  int    `json:"campaignId"`
	VariationID int    `json:"variationId,omitempty"`
	RuleKey     string `json:"ruleKey"`
	Type        string `json:"type"`
	Status      bool   `json:"status"`
}

// ImpactCampaign is a secondary measurement campaign fired alongside the
// main decision. Variation 2 signals "feature enabled", 1 "disabled".
type ImpactCampaign struct {
	CampaignID int    `json:"campaignId"`
	Type       string `json:"type"`
}

// Campaign is one rollout or experiment.
type Campaign struct {
	ID                       int            `json:"id"`
	Key                      string         `json:"key"`
	Name                     string         `json:"name"`
	Type                     string         `json:"type"`
	Status                   string         `json:"status"`
	PercentTraffic           float64        `json:"percentTraffic"`
	Variations               []*Variation   `json:"variations"`
	Segments                 map[string]any `json:"segments"`
	IsForcedVariationEnabled bool           `json:"isForcedVariationEnabled"`
	IsUserListEnabled        bool           `json:"isUserListEnabled"`

	// RuleKey is stamped from the owning feature rule during settings
	// processing so decisions can report which rule served the user.
	RuleKey string `json:"-"`
}

// IsRolloutOrPersonalize reports whether the campaign uses the single
// "on"-variation traffic model.
func (c *Campaign) IsRolloutOrPersonalize() bool {
	return c.Type == CampaignTypeRollout || c.Type == CampaignTypePersonalize
}

// Clone returns a deep value copy of the campaign. Rule linking mutates
// variation lists and bucket ranges, so linked snapshots must never alias
// the variations of the source campaign.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Variations = make([]*Variation, len(c.Variations))
	for i, v := range c.Variations {
		cp.Variations[i] = v.Clone()
	}
	return &cp
}

// Variation is one arm of a campaign.
type Variation struct {
	ID        int            `json:"id"`
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Weight    float64        `json:"weight"`
	Segments  map[string]any `json:"segments,omitempty"`
	Variables []Variable     `json:"variables"`

	// Bucket range boundaries over [1,10000]; -1/-1 (or 0/0 before range
	// assignment) means the variation is unreachable.
	StartRangeVariation int `json:"startRangeVariation"`
	EndRangeVariation   int `json:"endRangeVariation"`
}

// Clone returns a deep value copy of the variation.
func (v *Variation) Clone() *Variation {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Variables = append([]Variable(nil), v.Variables...)
	return &cp
}

// Variable is a typed key/value payload returned with a variation.
type Variable struct {
	ID    int    `json:"id"`
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Group is a mutually exclusive set of campaigns across features.
type Group struct {
	Name      string             `json:"name"`
	Campaigns []string           `json:"campaigns"`
	Et        int                `json:"et,omitempty"`
	P         []string           `json:"p,omitempty"`
	Wt        map[string]float64 `json:"wt,omitempty"`
}

// Algorithm decodes the group's et field: 1 (or unset) selects random/equal
// distribution, any other value the priority+weighted algorithm.
func (g *Group) Algorithm() GroupAlgorithm {
	if g == nil || g.Et == 1 || g.Et == 0 {
		return AlgoRandom
	}
	return AlgoPriorityWeighted
}
