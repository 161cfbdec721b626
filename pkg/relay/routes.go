// Copyright 2024-2026 Aiku AI

package relay

import (
	"maps"
	"slices"

	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/config"
)

// RouteBinding is one source to destination edge of the routing table.
type RouteBinding struct {
	SourceID         ChatID
	SourceTopic      TopicID
	DestinationID    ChatID
	DestinationTopic TopicID
	Name             string
	Tag              string
}

func (b RouteBinding) destination() destinationKey {
	return destinationKey{Chat: b.DestinationID, Topic: b.DestinationTopic}
}

// RouteTable maps source conversations to their bindings. It is immutable
// after BuildRoutes returns.
type RouteTable struct {
	bySource map[ChatID][]RouteBinding
	count    int
}

// BuildRoutes parses the groups section of the config. Malformed keys and
// targets are logged and skipped.
func BuildRoutes(groups map[string]config.Group, parser KeyParser, log zerolog.Logger) *RouteTable {
	rt := &RouteTable{bySource: make(map[ChatID][]RouteBinding)}
	for _, key := range slices.Sorted(maps.Keys(groups)) {
		group := groups[key]
		source, sourceTopic, err := parser.ParseKey(key)
		if err != nil {
			log.Error().Err(err).Str("source", key).Msg("Invalid source id, skipping group")
			continue
		}
		targets, err := group.TargetList()
		if err != nil {
			log.Warn().Err(err).Str("source", key).Msg("Invalid targets format, skipping group")
			continue
		}
		for _, target := range targets {
			dest, destTopic, err := parser.ParseKey(target)
			if err != nil {
				log.Error().Err(err).
					Str("source", key).
					Str("target", target).
					Msg("Invalid target id, skipping")
				continue
			}
			rt.bySource[source] = append(rt.bySource[source], RouteBinding{
				SourceID:         source,
				SourceTopic:      sourceTopic,
				DestinationID:    dest,
				DestinationTopic: destTopic,
				Name:             group.Name,
				Tag:              group.Tag,
			})
			rt.count++
		}
	}
	return rt
}

// Lookup returns the bindings of a source conversation.
func (rt *RouteTable) Lookup(source ChatID) []RouteBinding {
	if rt == nil {
		return nil
	}
	return rt.bySource[source]
}

// IsSource reports whether any binding starts at id.
func (rt *RouteTable) IsSource(id ChatID) bool {
	if rt == nil {
		return false
	}
	_, ok := rt.bySource[id]
	return ok
}

// Sources lists the subscribed conversations in sorted order.
func (rt *RouteTable) Sources() []ChatID {
	if rt == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(rt.bySource))
}

// Destinations lists the unique destination conversations in sorted order.
func (rt *RouteTable) Destinations() []ChatID {
	if rt == nil {
		return nil
	}
	seen := make(map[ChatID]struct{})
	for _, bindings := range rt.bySource {
		for _, b := range bindings {
			seen[b.DestinationID] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Len returns the number of bindings.
func (rt *RouteTable) Len() int {
	if rt == nil {
		return 0
	}
	return rt.count
}
