package gateway

import "fmt"

// RecipientPreview renders a short human-readable list of recipients.
func RecipientPreview(recipients []string) *string {
	var s string
	switch n := len(recipients); {
	case n == 0:
		return nil
	case n == 1:
		s = recipients[0]
	case n == 2:
		s = fmt.Sprintf("%s and %s", recipients[0], recipients[1])
	case n == 3:
		s = fmt.Sprintf("%s, %s, and %s", recipients[0], recipients[1], recipients[2])
	default:
		s = fmt.Sprintf("%s, %s, and %d others", recipients[0], recipients[1], n-2)
	}
	return &s
}
