package assistant

// AuthorName is the display name on every assistant message.
const AuthorName = "AI Chef"

// FallbackText replaces the answer whenever the upstream call fails.
const FallbackText = "Sorry, I couldn't answer that right now. Please try again in a moment!"

// Outcome is either an Answer or a Fallback. Both render to the same chat
// message shape, so clients only tell them apart by the text.
type Outcome interface {
	Text() string
	outcome()
}

type Answer struct {
	Body string
}

func (a Answer) Text() string { return a.Body }
func (Answer) outcome()       {}

// Fallback records why no answer was produced. Reason is for logs only.
type Fallback struct {
	Reason error
}

func (Fallback) Text() string { return FallbackText }
func (Fallback) outcome()     {}
