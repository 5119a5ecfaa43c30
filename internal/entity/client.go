package entity

import (
	"sort"
	"strings"
	"time"
)

type Permission string

const (
	PermissionStreamRead      Permission = "stream:read"
	PermissionStreamSubscribe Permission = "stream:subscribe"
	PermissionBatchFetch      Permission = "market_data:fetch"
	PermissionAdmin           Permission = "admin"
)

type RateLimitPolicy struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

type AuthIdentity struct {
	ID              string
	Name            string
	Permissions     map[Permission]struct{}
	RateLimitPolicy *RateLimitPolicy
}

func NewAuthIdentity(id, name string, permissions []string, policy *RateLimitPolicy) *AuthIdentity {
	perms := make(map[Permission]struct{}, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		perms[Permission(p)] = struct{}{}
	}

	return &AuthIdentity{
		ID:              id,
		Name:            name,
		Permissions:     perms,
		RateLimitPolicy: policy,
	}
}

func (a *AuthIdentity) HasAnyPermission(required []Permission) bool {
	if a == nil {
		return false
	}

	for _, p := range required {
		if _, ok := a.Permissions[p]; ok {
			return true
		}
	}

	return false
}

type Subscription struct {
	CapabilityType    string
	Symbols           map[string]struct{}
	PreferredProvider string
}

func NewSubscription(capabilityType string, symbols []string, preferredProvider string) Subscription {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s = NormalizeSymbol(s); s != "" {
			set[s] = struct{}{}
		}
	}

	return Subscription{
		CapabilityType:    strings.TrimSpace(capabilityType),
		Symbols:           set,
		PreferredProvider: strings.TrimSpace(preferredProvider),
	}
}

// SymbolList returns the symbols sorted, for stable output.
func (s Subscription) SymbolList() []string {
	out := make([]string, 0, len(s.Symbols))
	for symbol := range s.Symbols {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s Subscription) clone() Subscription {
	symbols := make(map[string]struct{}, len(s.Symbols))
	for k := range s.Symbols {
		symbols[k] = struct{}{}
	}
	s.Symbols = symbols
	return s
}

// ClientConnection is an immutable view of a connected client. Mutations go
// through the client state manager which swaps in a new value.
type ClientConnection struct {
	ID            string
	Identity      *AuthIdentity
	ConnectedAt   time.Time
	Subscriptions map[string]Subscription // keyed by capability type
}

func (c *ClientConnection) Clone() *ClientConnection {
	subs := make(map[string]Subscription, len(c.Subscriptions))
	for k, v := range c.Subscriptions {
		subs[k] = v.clone()
	}

	return &ClientConnection{
		ID:            c.ID,
		Identity:      c.Identity,
		ConnectedAt:   c.ConnectedAt,
		Subscriptions: subs,
	}
}

// Topics returns every room this client belongs to.
func (c *ClientConnection) Topics() []string {
	topics := make([]string, 0)
	for capabilityType, sub := range c.Subscriptions {
		for symbol := range sub.Symbols {
			topics = append(topics, Topic(capabilityType, symbol))
		}
	}
	sort.Strings(topics)
	return topics
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Topic is the room name used for a capability type and symbol pair.
func Topic(capabilityType, symbol string) string {
	return capabilityType + ":" + NormalizeSymbol(symbol)
}

// SplitTopic is the inverse of Topic.
func SplitTopic(topic string) (capabilityType, symbol string, ok bool) {
	idx := strings.LastIndex(topic, ":")
	if idx <= 0 || idx == len(topic)-1 {
		return "", "", false
	}
	return topic[:idx], topic[idx+1:], true
}
