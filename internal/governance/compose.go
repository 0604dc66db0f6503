package governance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Message is a composed push notification title and body.
type Message struct {
	Title string
	Body  string
}

// MessageInput carries everything a personalised message can mention.
type MessageInput struct {
	RecipientName string
	LocationName  string
	Crop          string
	Severity      domain.Severity
	Risk          string // short human description of the risk
	Weather       domain.Observation
}

type tone struct {
	emoji   string
	urgency string
	action  string
}

var tones = map[domain.Severity]tone{
	domain.SeverityCritical: {"🔴", "URGENT", "Take immediate action"},
	domain.SeverityHigh:     {"🟠", "Important", "Action recommended"},
	domain.SeverityMedium:   {"🟡", "Notice", "Monitor situation"},
	domain.SeverityLow:      {"🟢", "Update", "No action needed"},
}

// ComposeMessage builds a severity-appropriate title and body. Unknown
// severities are worded as medium.
func ComposeMessage(in MessageInput) Message {
	t, ok := tones[in.Severity]
	if !ok {
		t = tones[domain.SeverityMedium]
	}

	location := in.LocationName
	if location == "" {
		location = "Your farm"
	}
	crop := cropName(in.Crop)
	risk := strings.TrimRight(strings.TrimSpace(in.Risk), ".")
	temp := formatNumber(in.Weather.Temperature)
	humidity := formatNumber(in.Weather.Humidity)

	var title string
	if in.Severity.Alerting() {
		title = fmt.Sprintf("%s %s: %s Alert", t.emoji, t.urgency, location)
	} else {
		title = fmt.Sprintf("%s %s Weather Update", t.emoji, location)
	}

	var body string
	switch in.Severity {
	case domain.SeverityCritical:
		body = fmt.Sprintf("Critical conditions detected for your %s crop! %s. %s to protect your harvest.", crop, risk, t.action)
	case domain.SeverityHigh:
		body = fmt.Sprintf("High risk alert for %s at %s. %s. Current: %s°C, %s%% humidity", crop, location, risk, temp, humidity)
	case domain.SeverityLow:
		body = fmt.Sprintf("Favorable conditions for %s. Temp: %s°C, Humidity: %s%%. No immediate concerns.", crop, temp, humidity)
	default:
		body = fmt.Sprintf("Weather conditions may affect your %s. %s. Recommended to %s.", crop, risk, strings.ToLower(t.action))
	}

	if name := strings.TrimSpace(in.RecipientName); name != "" {
		body = name + ", " + lowerFirst(body)
	}
	return Message{Title: title, Body: body}
}

// ComposeBatch merges queued notifications into one summary naming up to three
// distinct locations and reporting the highest severity present.
func ComposeBatch(batch []Notification) Message {
	if len(batch) == 0 {
		return Message{}
	}

	highest := batch[0].Severity
	seen := make(map[string]bool)
	var locations []string
	for _, n := range batch {
		if n.Severity.Rank() > highest.Rank() {
			highest = n.Severity
		}
		loc := n.Location
		if loc == "" {
			loc = "Unknown"
		}
		if !seen[loc] {
			seen[loc] = true
			locations = append(locations, loc)
		}
	}

	emoji := "📊"
	if t, ok := tones[highest]; ok {
		emoji = t.emoji
	}

	named := locations
	if len(named) > 3 {
		named = named[:3]
	}
	text := strings.Join(named, ", ")
	if extra := len(locations) - len(named); extra > 0 {
		text += fmt.Sprintf(" and %d more", extra)
	}

	return Message{
		Title: fmt.Sprintf("%s %d Weather Updates for Your Farms", emoji, len(batch)),
		Body: fmt.Sprintf("You have %d weather alerts across %d farm(s): %s. Tap to view details.",
			len(batch), len(locations), text),
	}
}

func cropName(crop string) string {
	crop = strings.TrimSpace(crop)
	if crop == "" || strings.EqualFold(crop, domain.GenericCrop) {
		return "Crop"
	}
	return cases.Title(language.English).String(crop)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
