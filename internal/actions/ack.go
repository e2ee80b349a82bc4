package actions

import (
	"fmt"
	"strings"

	"github.com/hawkins-trichology/concierge/internal/domain"
)

// Acknowledgment returns the short text shown inline after a successful action.
func Acknowledgment(kind domain.ActionKind, practitioner string, items []domain.CatalogItem) string {
	switch kind {
	case domain.ActionCreateContact:
		return fmt.Sprintf("✓ I've saved your details. %s's team will be in touch soon.", practitioner)
	case domain.ActionCreateEnquiry:
		return "✓ Your course enquiry has been submitted. You'll receive more information via email within 24 hours."
	case domain.ActionCreateBooking:
		return "✓ Your consultation request has been received. The team will contact you within 24 hours to confirm your appointment."
	case domain.ActionFetchCatalog:
		return catalogListing(items)
	default:
		return ""
	}
}

func catalogListing(items []domain.CatalogItem) string {
	if len(items) == 0 {
		return "There are no courses available in that category right now."
	}
	var b strings.Builder
	b.WriteString("Here's what's currently available:\n")
	for _, it := range items {
		b.WriteString("\n- **")
		b.WriteString(it.Title)
		b.WriteString("**")

		var details []string
		if it.Duration != "" {
			details = append(details, it.Duration)
		}
		if price := FormatPrice(it.PriceAmount, it.Currency); price != "" {
			details = append(details, price)
		}
		if it.Location != "" {
			details = append(details, it.Location)
		}
		if len(details) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(details, ", "))
			b.WriteString(")")
		}
		if it.UpcomingSessions > 0 {
			fmt.Fprintf(&b, ", %d upcoming", it.UpcomingSessions)
		}
	}
	return b.String()
}

var currencySymbols = map[string]string{
	"GBP": "£",
	"EUR": "€",
	"USD": "$",
}

// FormatPrice renders an amount with its currency symbol, or "" when there is no amount.
func FormatPrice(amount, currency string) string {
	if amount == "" {
		return ""
	}
	if sym, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		return sym + amount
	}
	if currency == "" {
		return amount
	}
	return amount + " " + strings.ToUpper(currency)
}
