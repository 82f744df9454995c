// Package segmentation evaluates the boolean targeting DSL against a user
// context. A tree is a JSON-decoded object whose single key names an
// operator ("and", "or", "not", "user", "custom_variable", "ua",
// "featureId") or a context attribute leaf (location, user-agent and IP
// attributes resolved by an external gateway).
//
// The evaluator is a per-call value: construct one with the settings
// snapshot and user context of the current evaluation and discard it after.
// It holds no mutable state shared between calls, so concurrent evaluations
// never interfere.
//
// Failure policy: a malformed subtree, an unparsable operand, a failing
// regex or an unreachable collaborator makes that leaf false. No error ever
// aborts the surrounding evaluation.
package segmentation

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/featuregrid/featuregrid/internal/models"
)

// DSL operator keys.
const (
	opAnd            = "and"
	opOr             = "or"
	opNot            = "not"
	opUser           = "user"
	opCustomVariable = "custom_variable"
	opUserAgent      = "ua"
	opFeatureID      = "featureId"
)

// Context attribute leaves resolved by the gateway.
const (
	leafCountry        = "country"
	leafRegion         = "region"
	leafCity           = "city"
	leafOS             = "os"
	leafBrowserString  = "browser_string"
	leafDeviceType     = "device_type"
	leafDevice         = "device"
	leafBrowserVersion = "browser_version"
	leafOSVersion      = "os_version"
	leafIP             = "ip"
)

// ListChecker answers attribute-membership queries for inlist(...) operands.
type ListChecker interface {
	IsInList(ctx context.Context, listID, value string) (bool, error)
}

// FeatureChecker reports the decided on/off state of a dependent feature,
// typically by consulting sticky-decision storage.
type FeatureChecker interface {
	IsFeatureEnabled(ctx context.Context, featureKey, userID string) (bool, error)
}

// Evaluator evaluates segmentation trees for one call. All fields are fixed
// at construction; nil collaborators simply make the leaves that need them
// evaluate to false.
type Evaluator struct {
	settings *models.Settings
	user     *models.UserContext
	lists    ListChecker
	features FeatureChecker
	log      zerolog.Logger

	// useAnonymousID switches the "user" operator to the campaign's
	// anonymized identity (isUserListEnabled).
	useAnonymousID bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLists wires the attribute-membership collaborator.
func WithLists(l ListChecker) Option {
	return func(e *Evaluator) { e.lists = l }
}

// WithFeatures wires the dependent-flag collaborator.
func WithFeatures(f FeatureChecker) Option {
	return func(e *Evaluator) { e.features = f }
}

// WithAnonymousID makes the "user" operator match against the anonymized id.
func WithAnonymousID(enabled bool) Option {
	return func(e *Evaluator) { e.useAnonymousID = enabled }
}

// WithLogger attaches a contextual logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Evaluator) { e.log = log }
}

// New builds an evaluator for one evaluation call.
func New(settings *models.Settings, user *models.UserContext, opts ...Option) *Evaluator {
	e := &Evaluator{
		settings: settings,
		user:     user,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate walks the DSL tree against the given properties. An empty tree
// trivially passes. The same tree against the same properties always
// returns the same result.
func (e *Evaluator) Evaluate(ctx context.Context, dsl map[string]any, properties map[string]any) bool {
	if len(dsl) == 0 {
		return true
	}
	return e.evalNode(ctx, dsl, properties)
}

func (e *Evaluator) evalNode(ctx context.Context, node map[string]any, props map[string]any) bool {
	for key, value := range node {
		switch key {
		case opAnd:
			return e.evalAnd(ctx, value, props)
		case opOr:
			matched, _ := e.evalOr(ctx, value, props)
			return matched
		case opNot:
			child, ok := value.(map[string]any)
			if !ok {
				return false
			}
			return !e.evalNode(ctx, child, props)
		case opUser:
			return e.matchUser(value)
		case opCustomVariable:
			return e.matchCustomVariable(ctx, value, props)
		case opUserAgent:
			return e.matchRawUserAgent(value)
		case opFeatureID:
			matched, _ := e.matchDependentFeature(ctx, value)
			return matched
		case leafCountry, leafRegion, leafCity:
			return e.matchLocation(map[string]any{key: value})
		case leafOS, leafBrowserString, leafDeviceType, leafDevice,
			leafBrowserVersion, leafOSVersion:
			return e.matchUserAgentAttributes(map[string]any{key: value})
		case leafIP:
			return e.matchIP(value)
		default:
			e.log.Debug().Str("operator", key).Msg("unknown segmentation operator")
			return false
		}
	}
	return false
}

// evalAnd requires every child to pass. Location leaves inside the list are
// coalesced into one combined match against the resolved location instead
// of being checked independently.
func (e *Evaluator) evalAnd(ctx context.Context, value any, props map[string]any) bool {
	children, ok := value.([]any)
	if !ok {
		return false
	}

	locationExpected := map[string]any{}
	for _, raw := range children {
		child, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		if key, operand, isLeaf := singleLeaf(child); isLeaf && isLocationKey(key) {
			locationExpected[key] = operand
			continue
		}
		if !e.evalNode(ctx, child, props) {
			return false
		}
	}

	if len(locationExpected) > 0 && !e.matchLocation(locationExpected) {
		return false
	}
	return true
}

// evalOr passes when any child passes. Contiguous user-agent leaves are
// coalesced into a single combined condition, and a featureId leaf decides
// the whole disjunction by itself.
func (e *Evaluator) evalOr(ctx context.Context, value any, props map[string]any) (bool, bool) {
	children, ok := value.([]any)
	if !ok {
		return false, false
	}

	uaExpected := map[string]any{}
	matched := false
	for _, raw := range children {
		child, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if dependent, isFeature := child[opFeatureID]; isFeature {
			return e.matchDependentFeature(ctx, dependent)
		}
		if key, operand, isLeaf := singleLeaf(child); isLeaf && isCoalescedUAKey(key) {
			uaExpected[key] = operand
			continue
		}
		if !matched && e.evalNode(ctx, child, props) {
			matched = true
		}
	}

	if !matched && len(uaExpected) > 0 {
		matched = e.matchUserAgentAttributes(uaExpected)
	}
	return matched, true
}

// matchUser checks the comma-separated literal id list of a "user" operand.
func (e *Evaluator) matchUser(value any) bool {
	raw, ok := value.(string)
	if !ok || e.user == nil {
		return false
	}
	id := e.user.ID
	if e.useAnonymousID {
		id = models.AnonymousID(e.settingsAccountID(), e.user.ID)
	}
	for _, candidate := range strings.Split(raw, ",") {
		if strings.TrimSpace(candidate) == id {
			return true
		}
	}
	return false
}

// matchCustomVariable evaluates a {key: operand} pair against the supplied
// properties, delegating inlist(...) operands to the membership service.
func (e *Evaluator) matchCustomVariable(ctx context.Context, value any, props map[string]any) bool {
	key, operand, ok := singleLeaf(value)
	if !ok {
		return false
	}
	operandStr, ok := stringify(operand)
	if !ok {
		return false
	}
	actual, present := props[key]
	if !present {
		return false
	}

	if listID, isList := inListID(operandStr); isList {
		if e.lists == nil {
			e.log.Debug().Str("list", listID).Msg("inlist operand without membership service")
			return false
		}
		actualStr, ok := stringify(actual)
		if !ok {
			return false
		}
		member, err := e.lists.IsInList(ctx, listID, actualStr)
		if err != nil {
			e.log.Debug().Err(err).Str("list", listID).Msg("inlist query failed")
			return false
		}
		return member
	}

	return matchOperand(operandStr, actual)
}

// matchRawUserAgent matches an operand against the unparsed user-agent
// string of the context.
func (e *Evaluator) matchRawUserAgent(value any) bool {
	operand, ok := stringify(value)
	if !ok {
		return false
	}
	if e.user == nil || e.user.UserAgent == "" {
		e.log.Debug().Msg("ua segment without user agent in context")
		return false
	}
	return matchOperand(operand, e.user.UserAgent)
}

// matchDependentFeature resolves a featureId leaf: {id: "on"|"off"}. The
// second return reports whether the leaf was well-formed; the first is the
// (possibly inverted) dependent-flag state.
func (e *Evaluator) matchDependentFeature(ctx context.Context, value any) (bool, bool) {
	key, expected, ok := singleLeaf(value)
	if !ok || e.features == nil || e.settings == nil || e.user == nil {
		return false, false
	}
	feature := e.featureByIDString(key)
	if feature == nil {
		return false, false
	}
	enabled, err := e.features.IsFeatureEnabled(ctx, feature.Key, e.user.ID)
	if err != nil {
		e.log.Debug().Err(err).Str("feature", feature.Key).Msg("dependent flag lookup failed")
		return false, false
	}
	state, _ := stringify(expected)
	if strings.EqualFold(state, "off") {
		return !enabled, true
	}
	return enabled, true
}

// matchLocation evaluates a combined set of geo expectations against the
// gateway-resolved location. Missing resolved data fails the whole set.
func (e *Evaluator) matchLocation(expected map[string]any) bool {
	if e.user == nil {
		return false
	}
	location := e.user.Location()
	if len(location) == 0 {
		e.log.Debug().Msg("location segment without resolved location")
		return false
	}
	return matchAttributeSet(expected, func(key string) (string, bool) {
		v, ok := location[key]
		return v, ok
	})
}

// matchUserAgentAttributes evaluates expectations against the resolved
// user-agent attributes. Version keys get semantic comparison through the
// ordinary operand path.
func (e *Evaluator) matchUserAgentAttributes(expected map[string]any) bool {
	if e.user == nil {
		return false
	}
	info := e.user.UserAgentInfo()
	if len(info) == 0 {
		e.log.Debug().Msg("user-agent segment without resolved attributes")
		return false
	}
	return matchAttributeSet(expected, func(key string) (string, bool) {
		v, ok := info[key]
		return v, ok
	})
}

func (e *Evaluator) matchIP(value any) bool {
	operand, ok := stringify(value)
	if !ok {
		return false
	}
	if e.user == nil || e.user.IPAddress == "" {
		e.log.Debug().Msg("ip segment without ip address in context")
		return false
	}
	return matchOperand(operand, e.user.IPAddress)
}

func (e *Evaluator) settingsAccountID() int {
	if e.settings == nil {
		return 0
	}
	return e.settings.AccountID
}

func (e *Evaluator) featureByIDString(id string) *models.Feature {
	if e.settings == nil {
		return nil
	}
	for _, f := range e.settings.Features {
		if strconv.Itoa(f.ID) == id {
			return f
		}
	}
	return nil
}

// matchAttributeSet requires every expected attribute to match its resolved
// value through the operand matcher.
func matchAttributeSet(expected map[string]any, resolve func(string) (string, bool)) bool {
	for key, operand := range expected {
		operandStr, ok := stringify(operand)
		if !ok {
			return false
		}
		actual, present := resolve(key)
		if !present {
			return false
		}
		if !matchOperand(operandStr, actual) {
			return false
		}
	}
	return true
}

// singleLeaf unpacks a one-entry object into its key and value.
func singleLeaf(value any) (string, any, bool) {
	leaf, ok := value.(map[string]any)
	if !ok || len(leaf) != 1 {
		return "", nil, false
	}
	for k, v := range leaf {
		return k, v, true
	}
	return "", nil, false
}

func isLocationKey(key string) bool {
	return key == leafCountry || key == leafRegion || key == leafCity
}

func isCoalescedUAKey(key string) bool {
	switch key {
	case leafOS, leafBrowserString, leafDeviceType, leafDevice:
		return true
	}
	return false
}
