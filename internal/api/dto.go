package api

// evaluateRequest carries the user context for one flag evaluation.
type evaluateRequest struct {
	UserID                      string         `json:"userId"`
	UserAgent                   string         `json:"userAgent,omitempty"`
	IPAddress                   string         `json:"ipAddress,omitempty"`
	CustomVariables             map[string]any `json:"customVariables,omitempty"`
	VariationTargetingVariables map[string]any `json:"variationTargetingVariables,omitempty"`
}

type evaluateResponse struct {
	FeatureKey string         `json:"featureKey"`
	IsEnabled  bool           `json:"isEnabled"`
	Variables  map[string]any `json:"variables,omitempty"`
}

type trackRequest struct {
	EventName       string         `json:"eventName"`
	UserID          string         `json:"userId"`
	CustomVariables map[string]any `json:"customVariables,omitempty"`
}

type trackResponse struct {
	OK bool `json:"ok"`
}
