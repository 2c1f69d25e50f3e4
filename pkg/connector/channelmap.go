// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
)

// ChannelMapping pairs a Discord channel with a Lightquark channel.
type ChannelMapping struct {
	Discord    string `yaml:"discord" json:"discord"`
	Lightquark string `yaml:"lightquark" json:"lightquark"`
}

// ChannelMap is the static, read-only set of bridged channel pairs.
type ChannelMap struct {
	byDiscord    map[string]ChannelMapping
	byLightquark map[string]ChannelMapping
	mappings     []ChannelMapping
}

// NewChannelMap validates mappings and indexes them in both directions.
// Every Discord and every Lightquark ID may appear at most once.
func NewChannelMap(mappings []ChannelMapping) (*ChannelMap, error) {
	cm := &ChannelMap{
		byDiscord:    make(map[string]ChannelMapping, len(mappings)),
		byLightquark: make(map[string]ChannelMapping, len(mappings)),
		mappings:     make([]ChannelMapping, 0, len(mappings)),
	}
	for i, m := range mappings {
		if m.Discord == "" || m.Lightquark == "" {
			return nil, fmt.Errorf("mapping %d: both discord and lightquark IDs are required", i)
		}
		if _, dup := cm.byDiscord[m.Discord]; dup {
			return nil, fmt.Errorf("mapping %d: discord channel %s is mapped more than once", i, m.Discord)
		}
		if _, dup := cm.byLightquark[m.Lightquark]; dup {
			return nil, fmt.Errorf("mapping %d: lightquark channel %s is mapped more than once", i, m.Lightquark)
		}
		cm.byDiscord[m.Discord] = m
		cm.byLightquark[m.Lightquark] = m
		cm.mappings = append(cm.mappings, m)
	}
	return cm, nil
}

// ByRemote looks up the mapping for a Lightquark channel.
func (cm *ChannelMap) ByRemote(lightquarkID string) (ChannelMapping, bool) {
	m, ok := cm.byLightquark[lightquarkID]
	return m, ok
}

// ByLocal looks up the mapping for a Discord channel.
func (cm *ChannelMap) ByLocal(discordID string) (ChannelMapping, bool) {
	m, ok := cm.byDiscord[discordID]
	return m, ok
}

// RemoteIDs returns the mapped Lightquark channel IDs in configuration order.
func (cm *ChannelMap) RemoteIDs() []string {
	ids := make([]string, len(cm.mappings))
	for i, m := range cm.mappings {
		ids[i] = m.Lightquark
	}
	return ids
}

func (cm *ChannelMap) Len() int {
	return len(cm.mappings)
}
