package gemini

import "github.com/fairyhunter13/ai-chat-proxy/internal/domain"

// Upstream role vocabulary.
const (
	roleUser  = "user"
	roleModel = "model"
)

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// replyText extracts candidates[0].content.parts[0].text; ok is false when the
// path is missing or empty.
func (r generateResponse) replyText() (string, bool) {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", false
	}
	text := r.Candidates[0].Content.Parts[0].Text
	return text, text != ""
}

// BuildContents assembles the upstream conversation: the persona prompt as a
// leading user turn, the history in order, then the new user message.
func BuildContents(personaPrompt string, history []domain.Turn, newUserText string) []content {
	out := make([]content, 0, len(history)+2)
	out = append(out, content{Role: roleUser, Parts: []part{{Text: personaPrompt}}})
	for _, t := range history {
		out = append(out, content{Role: upstreamRole(t.Role), Parts: []part{{Text: t.Text}}})
	}
	out = append(out, content{Role: roleUser, Parts: []part{{Text: newUserText}}})
	return out
}

func upstreamRole(r domain.Role) string {
	if r == domain.RoleAssistant {
		return roleModel
	}
	return roleUser
}
