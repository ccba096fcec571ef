// Copyright 2026 The podmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dashboard periodically prints the broker state
package dashboard

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/alwitt/podmq/broker"
	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// AuthoritativeMarker flags the endpoint replies to a host are sent to
const AuthoritativeMarker = "*"

// padRight pad text with spaces to a display width
func padRight(text string, width int) string {
	gap := width - lipgloss.Width(text)
	if gap <= 0 {
		return text
	}
	return text + strings.Repeat(" ", gap)
}

// table lay out rows in aligned columns
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for idx, cell := range header {
		widths[idx] = lipgloss.Width(cell)
	}
	for _, row := range rows {
		for idx, cell := range row {
			if w := lipgloss.Width(cell); w > widths[idx] {
				widths[idx] = w
			}
		}
	}
	line := func(cells []string) string {
		padded := make([]string, len(cells))
		for idx, cell := range cells {
			if idx == len(cells)-1 {
				padded[idx] = cell
			} else {
				padded[idx] = padRight(cell, widths[idx])
			}
		}
		return strings.TrimRight(strings.Join(padded, "  "), " ")
	}
	builder := strings.Builder{}
	builder.WriteString(dimStyle.Render(line(header)))
	builder.WriteString("\n")
	for _, row := range rows {
		builder.WriteString(line(row))
		builder.WriteString("\n")
	}
	return builder.String()
}

func formatValues(values []interface{}) string {
	parts := make([]string, len(values))
	for idx, value := range values {
		parts[idx] = fmt.Sprint(value)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

/*
Render write one dashboard frame

	@param w io.Writer - output
	@param snapshot broker.Snapshot - broker state to show
	@param livenessWindow time.Duration - liveness window for the active pod set
*/
func Render(w io.Writer, snapshot broker.Snapshot, livenessWindow time.Duration) error {
	builder := strings.Builder{}
	builder.WriteString(
		headingStyle.Render(fmt.Sprintf("podmq @ %s", snapshot.TakenAt.Format(time.RFC3339))),
	)
	builder.WriteString("\n")

	// Pod status
	podNames := make([]string, 0, len(snapshot.Pods))
	for pod := range snapshot.Pods {
		podNames = append(podNames, pod)
	}
	sort.Strings(podNames)
	rows := make([][]string, 0, len(podNames))
	for _, pod := range podNames {
		status := snapshot.Pods[pod]
		rows = append(rows, []string{
			pod,
			fmt.Sprintf("%.2fs", status.Age(snapshot.TakenAt).Seconds()),
			fmt.Sprintf("%d", status.MessageCount),
			formatValues(status.LastData),
		})
	}
	builder.WriteString(headingStyle.Render("Pods"))
	builder.WriteString("\n")
	builder.WriteString(table([]string{"POD", "AGE", "COUNT", "LAST DATA"}, rows))

	// Active set
	builder.WriteString(headingStyle.Render("Active"))
	builder.WriteString("\n")
	active := snapshot.ActivePods(livenessWindow)
	if len(active) == 0 {
		builder.WriteString(dimStyle.Render("(none)"))
	} else {
		builder.WriteString(strings.Join(active, " "))
	}
	builder.WriteString("\n")

	// Pod to subscribers
	builder.WriteString(headingStyle.Render("Subscribers"))
	builder.WriteString("\n")
	subscribedPods := make([]string, 0, len(snapshot.Subscribers))
	for pod := range snapshot.Subscribers {
		subscribedPods = append(subscribedPods, pod)
	}
	sort.Strings(subscribedPods)
	rows = make([][]string, 0, len(subscribedPods))
	for _, pod := range subscribedPods {
		endpoints := make([]string, 0, len(snapshot.Subscribers[pod]))
		for _, endpoint := range snapshot.Subscribers[pod] {
			endpoints = append(endpoints, endpoint.String())
		}
		rows = append(rows, []string{pod, strings.Join(endpoints, ", ")})
	}
	builder.WriteString(table([]string{"POD", "ENDPOINTS"}, rows))

	// Endpoint to pods
	builder.WriteString(headingStyle.Render("Clients"))
	builder.WriteString("\n")
	rows = make([][]string, 0, len(snapshot.Clients))
	for _, endpoint := range snapshot.Clients {
		marker := ""
		if snapshot.IsAuthoritative(endpoint) {
			marker = AuthoritativeMarker
		}
		pods := snapshot.Subscriptions[endpoint]
		podList := strings.Join(pods, ", ")
		if len(pods) == 0 {
			podList = "-"
		}
		rows = append(rows, []string{marker, endpoint.String(), podList})
	}
	builder.WriteString(table([]string{"", "ENDPOINT", "PODS"}, rows))

	_, err := io.WriteString(w, builder.String())
	return err
}

// RenderHeartbeat write the idle line shown while no pod has reported in
func RenderHeartbeat(w io.Writer, snapshot broker.Snapshot) error {
	_, err := fmt.Fprintf(
		w,
		"%s waiting for pod data, %d clients registered\n",
		snapshot.TakenAt.Format(time.RFC3339),
		len(snapshot.Clients),
	)
	return err
}
