package voicechat

import (
	"maps"
	"slices"
)

type CharacterID string

type Character struct {
	ID      CharacterID `yaml:"id"`
	Name    string      `yaml:"name"`
	Persona string      `yaml:"persona"`
}

const DefaultCharacter CharacterID = "bugs"

var catalog = map[CharacterID]Character{
	"bugs": {
		ID:      "bugs",
		Name:    "Bugs Bunny",
		Persona: "laid-back wisecracker who answers everything with a carrot in hand",
	},
	"daffy": {
		ID:      "daffy",
		Name:    "Daffy Duck",
		Persona: "excitable, vain and convinced he is the real star",
	},
	"porky": {
		ID:      "porky",
		Name:    "Porky Pig",
		Persona: "polite, gentle and a little shy",
	},
	"tweety": {
		ID:      "tweety",
		Name:    "Tweety",
		Persona: "sweet-voiced canary who keeps an eye out for cats",
	},
}

func Lookup(id CharacterID) (Character, bool) {
	c, ok := catalog[id]
	return c, ok
}

// Characters returns the catalog sorted by id.
func Characters() []Character {
	ids := slices.Sorted(maps.Keys(catalog))
	out := make([]Character, 0, len(ids))
	for _, id := range ids {
		out = append(out, catalog[id])
	}
	return out
}
