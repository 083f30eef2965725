package engine

import (
	"fmt"
	"strings"

	contractx "github.com/dmartinelli/storebot/agent/contract"
)

func replySessionEnded(sessionID string) string {
	return fmt.Sprintf("This session has ended. Start a new conversation if you need anything else. (session %s)", sessionID)
}

func replyGoodbye(sessionID string) string {
	return fmt.Sprintf("Thanks for visiting! Your session reference is %s.", sessionID)
}

func replyAlreadyHandedOff(sessionID string) string {
	return fmt.Sprintf("Your inquiry is with our team; someone will contact you shortly. Reference: %s.", sessionID)
}

func replyUnavailable() string {
	return "Sorry, that service is temporarily unavailable. Please try again in a moment."
}

func replyNotUnderstood() string {
	return "Sorry, I didn't quite understand that. Would you like me to connect you with a member of our team?"
}

func replyOfferHelp() string {
	return "Happy to help! You can ask me about our products, store hours, location, or ask to speak with a person."
}

func replyKnowledgeFallback() string {
	return "I don't have that information on hand. Please contact the store directly and we'll be glad to help."
}

func replyAskName() string {
	return "I'll connect you with a member of our team. First, what's your name?"
}

func replyAskEmail(name string) string {
	return fmt.Sprintf("Thanks, %s. What email address can we reach you at?", name)
}

func replyInvalidEmail() string {
	return "That doesn't look like a valid email address. Could you type it again?"
}

func replyHandoffConfirmed(name, email, sessionID, inquiryID string) string {
	return fmt.Sprintf(
		"Thank you, %s! Your inquiry has been registered (ID: %s). A member of our team will contact you at %s within 24-48 hours. Keep your session reference %s for follow-ups.",
		name, inquiryID, email, sessionID,
	)
}

func composeCatalogReply(result contractx.CatalogResult) string {
	if !result.Found || len(result.Items) == 0 {
		return "I couldn't find a matching product. Could you try a different name or category?"
	}

	var b strings.Builder
	b.WriteString("Here's what I found:")
	for _, item := range result.Items {
		fmt.Fprintf(&b, "\n- %s: $%.2f (%d in stock)", item.Name, item.Price, item.Stock)
	}
	if result.NeedsFollowUp {
		b.WriteString("\nCan you tell me a bit more about what you're looking for?")
	}
	return b.String()
}
