package models

// UserContext carries the per-call user identity and targeting attributes.
// A fresh value is supplied on every evaluate/track call and discarded after.
type UserContext struct {
	ID        string `json:"id"`
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`

	// CustomVariables feed the segmentation DSL; VariationTargetingVariables
	// feed whitelisting only.
	CustomVariables             map[string]any `json:"customVariables,omitempty"`
	VariationTargetingVariables map[string]any `json:"variationTargetingVariables,omitempty"`

	// Resolved holds gateway-derived location and user-agent attributes,
	// populated before evaluation begins. Nil when no gateway ran.
	Resolved *ResolvedContext `json:"-"`
}

// ResolvedContext is the output of the segmentation data provider.
type ResolvedContext struct {
	Location      map[string]string `json:"location,omitempty"`
	UserAgentInfo map[string]string `json:"userAgent,omitempty"`
}

// Location returns the resolved geo attribute map, or nil.
func (c *UserContext) Location() map[string]string {
	if c.Resolved == nil {
		return nil
	}
	return c.Resolved.Location
}

// UserAgentInfo returns the resolved user-agent attribute map, or nil.
func (c *UserContext) UserAgentInfo() map[string]string {
	if c.Resolved == nil {
		return nil
	}
	return c.Resolved.UserAgentInfo
}

// Flag is the result returned to the caller of GetFlag: the on/off state
// plus the variables of whichever variation won.
type Flag struct {
	IsEnabled bool       `json:"isEnabled"`
	Variables []Variable `json:"variables"`
}

// Variable returns the value of the named variable or the supplied default.
func (f *Flag) Variable(key string, defaultValue any) any {
	for _, v := range f.Variables {
		if v.Key == key {
			return v.Value
		}
	}
	return defaultValue
}
