package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mikey-austin/pubsub/internal/ports"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

// Resolver resolves selectors to node presence.
type Resolver struct {
	Presence ports.Broker
	Config   Config
}

// ResolveBroker resolves a broker node selector using config defaults.
func (r Resolver) ResolveBroker(ctx context.Context, selector string) (pubsub.Presence, error) {
	return r.resolveByKind(ctx, selector, pubsub.PresenceKindBroker, r.Config.DefaultNode)
}

func (r Resolver) resolveByKind(ctx context.Context, selector string, kind string, def string) (pubsub.Presence, error) {
	if selector == "" {
		selector = def
	}

	presence, err := r.Presence.ListPresence(ctx)
	if err != nil {
		return pubsub.Presence{}, WrapError(ExitRuntime, "list presence", err)
	}

	filtered := filterPresenceByKind(presence, kind)
	if selector == "" {
		switch len(filtered) {
		case 1:
			return filtered[0], nil
		case 0:
			return pubsub.Presence{}, &CLIError{Code: ExitNotFound, Msg: "no " + kind + " nodes online"}
		}
		return pubsub.Presence{}, &CLIError{Code: ExitUsage, Msg: "node selector required: " + suggestionList(filtered)}
	}
	return resolveSelector(selector, filtered, r.Config.Aliases)
}

func filterPresenceByKind(presence []pubsub.Presence, kind string) []pubsub.Presence {
	if kind == "" {
		return presence
	}
	out := make([]pubsub.Presence, 0, len(presence))
	for _, p := range presence {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func resolveSelector(selector string, presence []pubsub.Presence, aliases map[string]string) (pubsub.Presence, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return pubsub.Presence{}, &CLIError{Code: ExitUsage, Msg: "selector required"}
	}

	if alias, ok := aliases[selector]; ok {
		selector = alias
	}

	for _, p := range presence {
		if p.NodeID == selector {
			return p, nil
		}
	}

	matches := make([]pubsub.Presence, 0)
	for _, p := range presence {
		if strings.EqualFold(p.Name, selector) || strings.EqualFold(p.NodeID, selector) {
			matches = append(matches, p)
		}
	}

	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) == 0 {
		return pubsub.Presence{}, &CLIError{Code: ExitNotFound, Msg: fmt.Sprintf("no match for %q", selector)}
	}
	return pubsub.Presence{}, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("ambiguous selector %q: %s", selector, suggestionList(matches))}
}

func suggestionList(matches []pubsub.Presence) string {
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.NodeID))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
