// Package prompt builds the system/user prompt pairs sent to the model.
//
// Building is pure: no state, no I/O, and it never fails. The level-specific
// templates steer each depth toward a different slice of the influence
// landscape (institutions, corporations, individuals, movements) so a parent
// of a given type yields type-appropriate children.
package prompt

import (
	"fmt"
	"strings"

	"worldtree/internal/actor"
)

const jsonOnly = "Do not include any explanation or text outside the JSON.\n"

// reinforcement is appended to the system prompt when a previous attempt
// returned well-formed JSON that failed schema validation.
const reinforcement = "\nIMPORTANT: Your previous answer did not match the required schema. " +
	"Return ONLY the JSON object described above, with every field present and non-empty. " +
	"No markdown fences, no commentary, no trailing text.\n"

// Builder produces prompts for root generation, node expansion, and leaf
// parameter analysis.
type Builder struct{}

// Build returns the (system, user) prompt pair for expanding parent into at
// most breadth children at the given level. A nil parent is the synthetic
// root and yields the level-0 "top N world actors" prompt.
func (Builder) Build(parent *actor.Actor, level, breadth int) (system, user string) {
	if parent == nil {
		return rootPrompt(breadth)
	}
	return expandPrompt(parent, level, breadth)
}

// Reinforce strengthens a system prompt for a schema-failure retry.
func (Builder) Reinforce(system string) string {
	if strings.Contains(system, reinforcement) {
		return system
	}
	return system + reinforcement
}

// Parameters returns the prompt pair asking for n analysis parameters for
// one actor.
func (Builder) Parameters(a *actor.Actor, n int) (system, user string) {
	system = "You are an expert in world modeling and data schema design. " +
		"For a given actor you select the parameters most useful for simulation, analytics, or AI reasoning.\n\n" +
		"Return ONLY a JSON array of parameter objects, each with fields: " +
		`"code_name" (short snake_case), "name" (human-readable), "description" (1-2 sentences), ` +
		`"type" (one of: float, int, bool, string), "expected_value" (example value or range).` + "\n" +
		jsonOnly
	user = fmt.Sprintf(
		"Generate the %d most important parameters for this actor.\n\n"+
			"Actor name: %s\nActor type: %s\nActor description: %s\n\n"+
			"Return a JSON array of exactly %d objects in the format specified above.",
		n, a.Name, a.Type, a.Description, n)
	return system, user
}

func rootPrompt(n int) (string, string) {
	system := "You are an expert in geopolitics, international relations, and global power dynamics. " +
		"Your task is to identify and rank the most influential actors that shape our world today: " +
		"the entities with the greatest impact on global economics, politics, technology, culture, and society.\n\n" +
		"Return ONLY a valid JSON object with the following structure:\n" +
		"{\n" +
		"  \"actors\": [\n" +
		"    {\n" +
		"      \"name\": \"Actor Name\",\n" +
		"      \"description\": \"Brief description of their influence and role\",\n" +
		"      \"type\": \"country|company|organization|individual|alliance\"\n" +
		"    }\n" +
		"  ],\n" +
		"  \"total_count\": number_of_actors\n" +
		"}\n" +
		jsonOnly

	user := fmt.Sprintf(
		"Generate a list of the %d most influential actors in the world today. "+
			"Consider countries (major powers, regional hegemons), companies (multinationals, tech giants, "+
			"financial institutions), organizations (UN, IMF, NATO, EU, G20), individuals (world leaders, "+
			"tech moguls), and alliances.\n\n"+
			"Rank them by influence, weighing economic power, political and diplomatic reach, military "+
			"capability, technological control, cultural influence, and resource control.\n\n"+
			"Return exactly %d actors in the JSON format specified above.", n, n)
	return system, user
}

// levelFocus captures what kind of sub-entities each depth asks for.
type levelFocus struct {
	expertise string
	types     string
	guidance  string
}

var focusByLevel = map[int]levelFocus{
	1: {
		expertise: "geopolitics and international relations, specializing in national governance structures",
		types:     "government|ministry|agency|party|military|institution|other",
		guidance: "Focus on: government branches, key ministries, military divisions, intelligence agencies, " +
			"major political parties, central banks, supreme courts, and regulatory bodies.",
	},
	2: {
		expertise: "corporate analysis and business strategy, specializing in organizational power structures",
		types:     "corporation|company|enterprise|conglomerate|startup|subsidiary|other",
		guidance: "Focus on: major corporations, multinational companies, key industry leaders, influential " +
			"startups, state-owned enterprises, and major business groups.",
	},
	3: {
		expertise: "influence networks, specializing in identifying impactful individuals and public figures",
		types:     "ceo|leader|celebrity|politician|expert|influencer|founder|other",
		guidance: "Focus on: CEOs and executives, political leaders, founders and entrepreneurs, thought " +
			"leaders, experts, and other influential personalities. Use real people's full names.",
	},
	4: {
		expertise: "social dynamics and cultural trends, specializing in grassroots movements",
		types:     "movement|trend|phenomenon|campaign|community|culture|activism|other",
		guidance: "Focus on: social movements, cultural trends, activist campaigns, online communities, and " +
			"grassroots initiatives.",
	},
}

var defaultFocus = levelFocus{
	expertise: "organizational structures, hierarchies, and influence networks",
	types:     "administration|company|movement|individual|department|institution|faction|other",
	guidance: "Consider the most relevant sub-entities given the parent actor's nature: the powerful " +
		"components that shape its behavior and decisions.",
}

func expandPrompt(parent *actor.Actor, level, breadth int) (string, string) {
	focus, ok := focusByLevel[level]
	if !ok {
		focus = defaultFocus
	}

	system := fmt.Sprintf(
		"You are an expert in %s. Your task is to identify the most influential sub-entities "+
			"within a given parent actor.\n\n"+
			"Return ONLY a valid JSON object with the following structure:\n"+
			"{\n"+
			"  \"sub_actors\": [\n"+
			"    {\n"+
			"      \"name\": \"Sub-Actor Name\",\n"+
			"      \"description\": \"Detailed description of their role and influence within the parent actor\",\n"+
			"      \"type\": \"%s\",\n"+
			"      \"parent_actor\": %q\n"+
			"    }\n"+
			"  ],\n"+
			"  \"total_count\": number_of_sub_actors,\n"+
			"  \"parent_actor\": %q\n"+
			"}\n"+jsonOnly,
		focus.expertise, focus.types, parent.Name, parent.Name)

	user := fmt.Sprintf(
		"Analyze the following actor and generate its %d most influential sub-actors:\n\n"+
			"**Parent actor**: %s\n**Type**: %s\n**Description**: %s\n\n"+
			"%s\n\n"+
			"Rank by influence (highest first). "+
			"Return exactly %d sub-actors in the JSON format specified above.",
		breadth, parent.Name, parent.Type, parent.Description, focus.guidance, breadth)
	return system, user
}
