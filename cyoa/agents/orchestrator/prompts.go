package orchestrator

import (
	"fmt"
	"strings"
)

// StorytellerSystemPrompt seeds the storyteller history once per session.
const StorytellerSystemPrompt = `You are the STORYTELLER agent in a choose your own adventure game. Create a compelling, immersive story, introduce major characters with their name in bold (**like this**), and drive the narrative forward while the user controls the protagonist.
You must:
- Ground every story segment in the established world, genre and game parameters.
- Keep responses concise so the user can interact.
- Use the user's quoted dialogue verbatim; only write protagonist dialogue when the user gives none.
- Never decide the protagonist's thoughts or actions unless the user asks you to.
- Control every other character and the world, keeping them unpredictable and realistic.
- Never suggest reactions to the user; end by asking what the protagonist does next.
- Keep the story thematically consistent and challenging: allow failure, setbacks and conflict.`

const directorSystemTemplate = `You are the DIRECTOR agent in a choose your own adventure game. The protagonist is %[1]s, who is played by the user: never create an agent for %[1]s.
Read each story update from the STORYTELLER and, for every major character in it (names in bold), output one JSON object with:
- "character_name": the character's name without formatting
- "should_generate": true if the character is new and needs an agent, false if it already has one
- "relevant_info_from_storyteller": only what this character can see, hear or know in this update
- "character_prompt": a detailed system prompt describing the character's role, personality and motivations (empty when should_generate is false)
Ignore minor and background characters. Output a JSON array with one object per character, or [] when none are involved.
Respond ONLY with valid JSON using double quotes, with no other text, explanation or formatting.
Example: [{"character_name": "Elder Marrow", "should_generate": true, "relevant_info_from_storyteller": "A traveller enters the shop and greets you.", "character_prompt": "You are Elder Marrow, a wise old shopkeeper with a mysterious past. Respond in character."}]`

const characterFramingTemplate = `You are %s. Respond in character to the following events in the world. Your response will be woven into the ongoing story. Only respond to what you can see or hear. If you are not present in the scene, respond with an empty string.`

// DirectorSystemPrompt names the protagonist the director must never route.
func DirectorSystemPrompt(protagonist string) string {
	return fmt.Sprintf(directorSystemTemplate, protagonist)
}

// IntroDirective opens the story on turn 0.
func IntroDirective(p Protagonist, input string) string {
	background := strings.TrimSpace(p.Background)
	if background == "" {
		background = "None provided."
	}
	msg := fmt.Sprintf("Begin the story. Make sure to introduce at least one major character in bold (using **like this**). The protagonist is %s. Background: %s", p.Name, background)
	if input = strings.TrimSpace(input); input != "" {
		msg += "\n\n" + input
	}
	return msg
}

// DirectorUserPrompt hands the draft narrative to the director.
func DirectorUserPrompt(protagonist, draft string) string {
	return fmt.Sprintf("Given the following story update, list the major characters involved (never %s). Only output valid JSON. Story: %s", protagonist, draft)
}

// CharacterFramingPrompt is the first system message of every character history.
func CharacterFramingPrompt(name string) string {
	return fmt.Sprintf(characterFramingTemplate, name)
}

// DefaultCharacterPrompt stands in when the director supplies no prompt.
func DefaultCharacterPrompt(name string) string {
	return fmt.Sprintf("You are %s. Respond in character.", name)
}

// CharacterResponseContext carries one character reply into the storyteller history.
func CharacterResponseContext(name, reply string) string {
	return fmt.Sprintf("%s responds: %s", name, reply)
}

// IntegrationPrompt asks the storyteller for the merged narrative.
func IntegrationPrompt(protagonist string) string {
	return fmt.Sprintf("Rewrite your latest story update so it weaves in the character responses above as their own words and actions. Keep it concise and end by asking what %s does next.", protagonist)
}

// AppendReplies folds replies into the draft as labeled lines, in order.
func AppendReplies(draft string, names []string, replies map[string]string) string {
	var b strings.Builder
	b.WriteString(draft)
	for _, name := range names {
		reply := strings.TrimSpace(replies[name])
		if reply == "" {
			continue
		}
		fmt.Fprintf(&b, "\n[%s]: %s", name, reply)
	}
	return b.String()
}
