package directory

import "strings"

// profile is one row of the keyword table used to describe a company.
type profile struct {
	keywords []string
	text     string
}

// profiles is matched in order against the lower-cased company name; the
// first row with a matching keyword wins.
var profiles = []profile{
	{
		keywords: []string{"bakery"},
		text:     "You work at a bakery that offers fresh bread baked daily from 6 AM, specialty pastries, custom cakes, gluten-free options, and catering services. Help customers with orders, answer questions about products, and provide information about our services.",
	},
	{
		keywords: []string{"restaurant"},
		text:     "You work at a restaurant open 11 AM - 10 PM daily. Reservations are recommended for weekends. We serve traditional and contemporary cuisine with private dining rooms available. Help customers make reservations, answer menu questions, and provide dining information.",
	},
	{
		keywords: []string{"clinic", "health"},
		text:     "You work at a medical clinic offering walk-in appointments, specialist consultations, health check-up packages, and 24/7 emergency services. Help patients schedule appointments, answer questions about services, and provide general information.",
	},
	{
		keywords: []string{"hotel"},
		text:     "You work at a luxury hotel with modern amenities, conference facilities, fine dining, and a spa. Help guests with reservations, answer questions about facilities and services, and provide concierge assistance.",
	},
	{
		keywords: []string{"bank"},
		text:     "You work at a bank offering personal and business banking, investment and loan services, 24/7 online banking, and financial advisory. Help customers with account inquiries, service information, and general banking questions.",
	},
	{
		keywords: []string{"tech", "digital", "systems"},
		text:     "You work at a technology company providing custom software development, cloud infrastructure, IT consulting and support, and digital transformation services. Help clients understand our solutions and services.",
	},
	{
		keywords: []string{"industries", "solutions"},
		text:     "You work at an industrial company providing equipment, machinery, custom manufacturing, quality control, and worldwide shipping. Help clients with product inquiries and service information.",
	},
	{
		keywords: []string{"logistics", "travel"},
		text:     "You work at a logistics company offering domestic and international shipping, real-time tracking, express delivery, and warehouse services. Help customers with shipping inquiries and tracking information.",
	},
	{
		keywords: []string{"foods"},
		text:     "You work at a food distribution company offering premium quality products, wholesale and retail distribution, fresh produce, and bulk order discounts. Help customers with product information and orders.",
	},
}

const fallbackProfile = "You provide professional business services with a customer-focused approach. Help callers with their inquiries and provide information about your services."

// Instructions returns the front-desk persona for company. The text is
// chosen by keywords in the company name and mentions location.
func Instructions(company, location string) string {
	lower := strings.ToLower(company)
	body := fallbackProfile
	for _, p := range profiles {
		if containsAny(lower, p.keywords) {
			body = p.text
			break
		}
	}

	var b strings.Builder
	b.WriteString("You are an AI assistant working as the Enterprise Front Manager for ")
	b.WriteString(company)
	b.WriteString(", a hypothetical company based in ")
	b.WriteString(location)
	b.WriteString(". You are professional, helpful, and knowledgeable about the company's services. ")
	b.WriteString(body)
	b.WriteString(" Be conversational, warm, and helpful. Answer questions clearly and concisely. ")
	b.WriteString("Since this is a demo, you can provide reasonable and professional responses based on the company name and type. ")
	b.WriteString("Always mention that we are located in ")
	b.WriteString(location)
	b.WriteString(" when relevant.")
	return b.String()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
