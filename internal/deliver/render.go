package deliver

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/queue"
)

// Renderer turns a queue entry into subject and body text for a channel.
type Renderer interface {
	// Render produces the subject and body. The body is HTML for the
	// email channel and plain text otherwise.
	Render(entry queue.Entry) (subject, body string, err error)
}

// template is one per-trigger message template. Bodies are written in
// markdown; the email path converts them to HTML, the SMS and push paths
// use the raw text.
type template struct {
	subject string
	body    string
}

// defaultTemplates maps each trigger to its message template. Placeholders
// in braces are substituted from the entry payload.
var defaultTemplates = map[event.Type]template{
	event.TypeFavoriteAdded: {
		subject: "Someone favorited your profile",
		body:    "**{actor}** added you to their favorites.",
	},
	event.TypeMutualInterest: {
		subject: "You have a mutual match!",
		body: "You and **{actor}** have favorited each other. " +
			"Say hello!",
	},
	event.TypeShortlistAdded: {
		subject: "You were shortlisted",
		body:    "**{actor}** added you to their shortlist.",
	},
	event.TypeProfileViewed: {
		subject: "Your profile was viewed",
		body:    "**{actor}** viewed your profile.",
	},
	event.TypeMessageSent: {
		subject: "New message from {actor}",
		body:    "**{actor}** sent you a message: {preview}",
	},
	event.TypeAccessRequested: {
		subject: "{actor} requested access to your private info",
		body: "**{actor}** has requested access to your private " +
			"information. Review the request in your settings.",
	},
	event.TypeAccessGranted: {
		subject: "Access request approved",
		body: "**{actor}** approved your request for private " +
			"information access.",
	},
	event.TypeAccessDenied: {
		subject: "Access request declined",
		body: "**{actor}** declined your request for private " +
			"information access.",
	},
	event.TypeAccountSuspended: {
		subject: "Your account has been suspended",
		body: "Your account has been suspended. Reason: {reason}. " +
			"Contact support if you believe this is an error.",
	},
	event.TypeAccountReactivated: {
		subject: "Welcome back",
		body:    "Your account has been reactivated.",
	},
	event.TypeSuspiciousLogin: {
		subject: "Suspicious login to your account",
		body: "We detected a login from an unrecognized device or " +
			"location: {detail}. If this was not you, change " +
			"your password immediately.",
	},
	event.TypeUnreadMessages: {
		subject: "You have {count} unread messages",
		body: "You have **{count}** unread messages waiting for you. " +
			"Log in to read them.",
	},
	event.TypeUserBanned: {
		subject: "Your account has been banned",
		body: "Your account has been permanently banned. " +
			"Reason: {reason}.",
	},
}

// TemplateRenderer renders with the built-in per-trigger templates.
type TemplateRenderer struct {
	markdown goldmark.Markdown
}

// NewTemplateRenderer creates a renderer with the default template set.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{
		markdown: goldmark.New(),
	}
}

// Render substitutes the entry payload into the trigger's template. The
// email channel gets an HTML body converted from the markdown template;
// other channels get the markdown source with emphasis markers stripped.
func (r *TemplateRenderer) Render(entry queue.Entry) (string, string,
	error) {

	tmpl, ok := defaultTemplates[entry.Trigger]
	if !ok {
		return "", "", fmt.Errorf("no template for trigger %q",
			entry.Trigger)
	}

	subject := substitute(tmpl.subject, entry.Payload)
	body := substitute(tmpl.body, entry.Payload)

	if entry.Channel == queue.ChannelEmail {
		var buf bytes.Buffer
		if err := r.markdown.Convert([]byte(body), &buf); err != nil {
			return "", "", fmt.Errorf("render markdown: %w", err)
		}

		return subject, buf.String(), nil
	}

	return subject, strings.ReplaceAll(body, "**", ""), nil
}

// substitute replaces {key} placeholders with string forms of the payload
// values. Unknown placeholders are left intact so a template bug is visible
// in the output rather than silently blank.
func substitute(tmpl string, payload map[string]any) string {
	out := tmpl
	for k, v := range payload {
		out = strings.ReplaceAll(
			out, "{"+k+"}", fmt.Sprintf("%v", v),
		)
	}

	return out
}
