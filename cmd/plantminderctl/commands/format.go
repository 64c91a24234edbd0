package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nand-nor/plant-minder/internal/ctlsock"
	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

func formatStatusLine(ipv6 string, st meshtypes.NodeStatus) string {
	switch st.Kind {
	case meshtypes.StatusRegistration:
		return fmt.Sprintf("%s registration eui=%s plant=%q\n", ipv6, st.EUI, st.PlantName)
	case meshtypes.StatusTermination:
		return fmt.Sprintf("%s termination reason=%s\n", ipv6, st.Reason)
	default:
		return fmt.Sprintf("%s status\n", ipv6)
	}
}

func formatSessions(sessions []ctlsock.SessionView, format string) (string, error) {
	if format == "json" {
		return formatJSON(sessions)
	}
	return formatSessionsTable(sessions)
}

func formatSession(s ctlsock.SessionView, format string) (string, error) {
	if format == "json" {
		return formatJSON(s)
	}
	return formatSessionDetail(s)
}

func formatJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b) + "\n", nil
}

func formatSessionsTable(sessions []ctlsock.SessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EUI\tIPV6\tPLANT\tACTIVE\tLAST-SEEN")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			displayOrDash(s.EUI), s.IPv6, displayOrDash(s.PlantName), s.Active, lastSeen(s.LastSeenUnix))
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatSessionDetail(s ctlsock.SessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "EUI:\t%s\n", displayOrDash(s.EUI))
	fmt.Fprintf(w, "IPv6:\t%s\n", s.IPv6)
	fmt.Fprintf(w, "Plant Name:\t%s\n", displayOrDash(s.PlantName))
	fmt.Fprintf(w, "Active:\t%t\n", s.Active)
	fmt.Fprintf(w, "Last Seen:\t%s\n", lastSeen(s.LastSeenUnix))

	if r := s.LastReading; r != nil {
		fmt.Fprintf(w, "Soil Moisture:\t%d\n", r.Soil.Moisture)
		fmt.Fprintf(w, "Soil Temp:\t%.1f\n", r.Soil.Temp)
		if r.Light != nil {
			fmt.Fprintf(w, "Light Lux:\t%.1f\n", r.Light.Lux)
			fmt.Fprintf(w, "Light Full Spectrum:\t%d\n", r.Light.FullSpectrum)
		}
		if r.Gas != nil {
			fmt.Fprintf(w, "Gas Temp:\t%.1f\n", r.Gas.Temp)
			fmt.Fprintf(w, "Gas Pressure:\t%.1f\n", r.Gas.Pressure)
			fmt.Fprintf(w, "Gas Humidity:\t%.1f\n", r.Gas.Humidity)
			fmt.Fprintf(w, "Gas Resistance:\t%d\n", r.Gas.GasResistance)
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatEvent(ev ctlsock.Event, format string) (string, error) {
	if format == "json" {
		return formatJSON(ev)
	}

	switch ev.Kind {
	case ctlsock.EventKindReading:
		r := ev.Reading
		if r == nil {
			return fmt.Sprintf("%s reading\n", ev.IPv6), nil
		}
		return fmt.Sprintf("%s reading soil.moisture=%d soil.temp=%.1f\n", ev.IPv6, r.Soil.Moisture, r.Soil.Temp), nil
	case ctlsock.EventKindStatus:
		if ev.Status == nil {
			return fmt.Sprintf("%s status\n", ev.IPv6), nil
		}
		return formatStatusLine(ev.IPv6, *ev.Status), nil
	default:
		return fmt.Sprintf("%s %s\n", ev.IPv6, ev.Kind), nil
	}
}

func displayOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func lastSeen(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format(time.RFC3339)
}
