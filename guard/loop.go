package guard

import "time"

// Loop heuristic tuning. The weights are additive; confidence is capped at
// 100 and InLoop trips at LoopThreshold.
const (
	// loopWindow is the trailing window the heuristic looks at.
	loopWindow = 2 * time.Minute

	// rapidRepeatWindow and rapidRepeatCount define the rapid-repeat
	// indicator: this many attempts inside the window.
	rapidRepeatWindow = 10 * time.Second
	rapidRepeatCount  = 3

	// doubleInitSpacing is the maximum gap between two attempts for them to
	// count as duplicate initialization rather than a genuine retry.
	doubleInitSpacing = 200 * time.Millisecond

	// LoopThreshold is the confidence at which InLoop becomes true.
	LoopThreshold = 50

	weightRapidRepeats     = 30
	weightAbortedRequests  = 40
	weightAlternating      = 25
	weightMostlyAutomatic  = 20
	weightShortIntervals   = 15
	weightDoubleInit       = 35
	weightCallbackFailures = 25
)

// Indicator strings are stable: they appear in logs, audit events, and tests.
const (
	IndicatorRapidRepeats     = "Rapid repeated OAuth attempts"
	IndicatorAbortedRequests  = "Multiple aborted token requests"
	IndicatorAlternating      = "Alternating success and failure pattern"
	IndicatorMostlyAutomatic  = "Mostly automatic attempts"
	IndicatorShortIntervals   = "Short intervals between attempts"
	IndicatorDoubleInit       = "Duplicate initialization detected"
	IndicatorCallbackFailures = "Repeated failures on callback path"
)

// Report is the outcome of the loop heuristic.
type Report struct {
	InLoop     bool
	Confidence int
	Indicators []string
}

// DetectLoop scores the given attempts for signs of an authentication loop.
// It is a pure function: callers pass the trailing-window attempt slice and
// the current time, which makes the weights testable in isolation. The score
// is diagnostic only and never feeds the attempt gates.
func DetectLoop(attempts []Attempt, now time.Time) Report {
	var report Report
	if len(attempts) == 0 {
		return report
	}

	add := func(weight int, indicator string) {
		report.Confidence += weight
		report.Indicators = append(report.Indicators, indicator)
	}

	// Rapid repeats: several attempts bunched into a few seconds.
	rapid := 0
	cutoff := now.Add(-rapidRepeatWindow)
	for _, a := range attempts {
		if !a.Time.Before(cutoff) {
			rapid++
		}
	}
	if rapid >= rapidRepeatCount {
		add(weightRapidRepeats, IndicatorRapidRepeats)
	}

	// Aborted requests: two or more point at a teardown loop.
	aborted := 0
	for _, a := range attempts {
		if a.Aborted {
			aborted++
		}
	}
	if aborted >= 2 {
		add(weightAbortedRequests, IndicatorAbortedRequests)
	}

	// Alternating success/failure: a flapping session.
	if hasAlternatingPattern(attempts) {
		add(weightAlternating, IndicatorAlternating)
	}

	// Mostly automatic: humans retrying look different from code retrying.
	auto := 0
	for _, a := range attempts {
		if a.Type == TypeAuto {
			auto++
		}
	}
	if float64(auto)/float64(len(attempts)) > 0.7 {
		add(weightMostlyAutomatic, IndicatorMostlyAutomatic)
	}

	// Mean inter-attempt interval below five seconds.
	if len(attempts) >= 2 {
		span := attempts[len(attempts)-1].Time.Sub(attempts[0].Time)
		mean := span / time.Duration(len(attempts)-1)
		if mean < 5*time.Second {
			add(weightShortIntervals, IndicatorShortIntervals)
		}
	}

	// Duplicate initialization.
	if detectDoubleInit(attempts) {
		add(weightDoubleInit, IndicatorDoubleInit)
	}

	// Repeated failures specifically on the callback path.
	callbackFailures := 0
	for _, a := range attempts {
		if !a.Success && a.Path == PathCallback {
			callbackFailures++
		}
	}
	if callbackFailures >= 2 {
		add(weightCallbackFailures, IndicatorCallbackFailures)
	}

	if report.Confidence > 100 {
		report.Confidence = 100
	}
	report.InLoop = report.Confidence >= LoopThreshold
	return report
}

// hasAlternatingPattern reports whether the outcome flipped on at least three
// consecutive transitions, for example fail-success-fail-success.
func hasAlternatingPattern(attempts []Attempt) bool {
	if len(attempts) < 4 {
		return false
	}
	flips := 0
	for i := 1; i < len(attempts); i++ {
		if attempts[i].Success != attempts[i-1].Success {
			flips++
			if flips >= 3 {
				return true
			}
		} else {
			flips = 0
		}
	}
	return false
}

// detectDoubleInit reports whether any two consecutive attempts landed within
// doubleInitSpacing of each other.
func detectDoubleInit(attempts []Attempt) bool {
	for i := 1; i < len(attempts); i++ {
		if attempts[i].Time.Sub(attempts[i-1].Time) <= doubleInitSpacing {
			return true
		}
	}
	return false
}
