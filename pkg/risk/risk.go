/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package risk derives the delivery-risk classification of a trip from its
// deadline, predicted arrival and weather severity. Everything here is a
// pure function of its inputs.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/delayshield/delayshield/pkg/trip"
)

// The three status glyphs are domain values, stored verbatim.
const (
	StatusOnTrack  = "🟢"
	StatusAtRisk   = "🟡"
	StatusCritical = "🔴"
)

// Fixed customer-facing suggestion strings, keyed by status.
const (
	SuggestionOnTrack  = "Manter rota. Recalcular mais perto do prazo."
	SuggestionAtRisk   = "Considere antecipar saída e avisar cliente sobre possível variação."
	SuggestionCritical = "ALTO risco: antecipar/alternar rota e ALERTAR cliente agora."
)

// BudgetLimitedBackoff is the fixed next-evaluation interval applied when a
// recalculation was denied budget, regardless of policy and status.
const BudgetLimitedBackoff = 45 * time.Minute

// Assessment is the deterministic risk classification of a trip.
type Assessment struct {
	Pct           int
	Status        string
	BufferMinutes int
	Why           string
	Suggestion    string
}

// Assess classifies the risk of missing deadline given the predicted
// arrival and a weather severity in [0, 1]. The slack bands are evaluated
// top-down, so each band is strictly below the one above it.
func Assess(deadline, eta time.Time, severity float64) Assessment {
	slack := deadline.Sub(eta).Seconds()

	var base float64
	switch {
	case slack >= 4*3600:
		base = 0.10
	case slack >= 2*3600:
		base = 0.20
	case slack >= 0:
		base = 0.40
	case slack >= -2*3600:
		base = 0.70
	default:
		base = 0.85
	}

	r := math.Min(0.99, math.Max(0.0, base+0.25*severity))
	pct := int(math.Round(r * 100))

	status := StatusOnTrack
	if pct >= 67 {
		status = StatusCritical
	} else if pct >= 34 {
		status = StatusAtRisk
	}

	buffer := int(math.Round(slack / 60.0))

	return Assessment{
		Pct:           pct,
		Status:        status,
		BufferMinutes: buffer,
		Why:           fmt.Sprintf("buffer=%dmin, weather_sev=%.2f", buffer, severity),
		Suggestion:    suggestionFor(status),
	}
}

func suggestionFor(status string) string {
	switch status {
	case StatusOnTrack:
		return SuggestionOnTrack
	case StatusAtRisk:
		return SuggestionAtRisk
	default:
		return SuggestionCritical
	}
}

// RecommendDepart returns the departure time to advise given the current
// status and buffer. Green trips keep their departure, yellow and red trips
// pull it forward by 15 to 60 minutes depending on how tight the buffer is.
func RecommendDepart(now time.Time, status string, bufferMinutes int) time.Time {
	switch status {
	case StatusOnTrack:
		return now
	case StatusAtRisk:
		if bufferMinutes < 120 {
			return now.Add(-30 * time.Minute)
		}
		return now.Add(-15 * time.Minute)
	default:
		if bufferMinutes < 60 {
			return now.Add(-60 * time.Minute)
		}
		return now.Add(-30 * time.Minute)
	}
}

// NextInterval returns the adaptive delay until the next evaluation of a
// trip. A budget-limited recalculation overrides the policy table with a
// fixed 45 minute back-off.
func NextInterval(mode trip.PolicyMode, status string, budgetLimited bool) time.Duration {
	if budgetLimited {
		return BudgetLimitedBackoff
	}
	switch mode {
	case trip.PolicyConservative:
		switch status {
		case StatusOnTrack:
			return 60 * time.Minute
		case StatusAtRisk:
			return 25 * time.Minute
		default:
			return 8 * time.Minute
		}
	case trip.PolicyAggressive:
		switch status {
		case StatusOnTrack:
			return 20 * time.Minute
		case StatusAtRisk:
			return 8 * time.Minute
		default:
			return 2 * time.Minute
		}
	default: // balanced
		switch status {
		case StatusOnTrack:
			return 40 * time.Minute
		case StatusAtRisk:
			return 15 * time.Minute
		default:
			return 5 * time.Minute
		}
	}
}

const messageTimeFormat = "2006-01-02 15:04 UTC"

// CustomerMessage renders the customer-facing update for a trip.
func CustomerMessage(status string, eta, deadline time.Time, why, suggestion string) string {
	return fmt.Sprintf("Atualização: status %s. ETA %s (deadline %s). Motivo: %s. Ação: %s",
		status, eta.UTC().Format(messageTimeFormat), deadline.UTC().Format(messageTimeFormat), why, suggestion)
}
