package task

import "strings"

// Ability ids use ":" as a module separator, which provider tool-name
// grammars reject. Underscores in the id are escaped by doubling before
// every colon becomes a single underscore, so the mapping inverts
// without guessing: "ldg:task:save" <-> "ldg_task_save",
// "a_b:c" <-> "a__b_c".

// EncodeToolName maps an ability id to a provider-safe tool name.
func EncodeToolName(abilityID string) string {
	return strings.ReplaceAll(strings.ReplaceAll(abilityID, "_", "__"), ":", "_")
}

// DecodeToolName maps a tool name back to its ability id.
func DecodeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		if name[i] != '_' {
			b.WriteByte(name[i])
			continue
		}
		if i+1 < len(name) && name[i+1] == '_' {
			b.WriteByte('_')
			i++
			continue
		}
		b.WriteByte(':')
	}
	return b.String()
}
