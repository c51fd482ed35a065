package trigger

import "strings"

// CommandFields are the parts of slash-command text.
type CommandFields struct {
	AccountID string
	Mode      string
	Skill     string
	Task      string
}

// ParseCommandText lifts leading "account:", "mode:" and "skill:" tokens out
// of slash-command text. Everything from the first other token on is the task.
//
//	/nucleus account:123456789012 mode:deep why is api-gw returning 502s
func ParseCommandText(text string) CommandFields {
	var f CommandFields
	rest := strings.TrimSpace(text)
	for rest != "" {
		tok, tail, _ := strings.Cut(rest, " ")
		key, val, ok := strings.Cut(tok, ":")
		if !ok || val == "" {
			break
		}
		switch strings.ToLower(key) {
		case "account":
			f.AccountID = val
		case "mode":
			f.Mode = val
		case "skill":
			f.Skill = val
		default:
			f.Task = rest
			return f
		}
		rest = strings.TrimSpace(tail)
	}
	f.Task = rest
	return f
}
